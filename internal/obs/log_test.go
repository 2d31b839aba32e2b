package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestDebugFollowsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer EnableDebug(false)

	EnableDebug(false)
	Debug("hidden", Fields{})
	if buf.Len() != 0 {
		t.Fatalf("debug line written while disabled: %s", buf.String())
	}
	EnableDebug(true)
	Debug("shown", Fields{"n": 1})
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("debug line missing: %s", buf.String())
	}
}

func TestErrorFieldsAreStrings(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Warn("relay.test", Fields{"err": errors.New("boom"), "port": 80})
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %v (%s)", err, buf.String())
	}
	if line["err"] != "boom" || line["level"] != "WARN" || line["port"] != float64(80) {
		t.Errorf("line = %v", line)
	}
}
