package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type table struct{}

func (table) Header() []string { return []string{"ID", "TYPE"} }
func (table) Rows() [][]string { return [][]string{{"1", "ping"}, {"22", "get_scene_info"}} }

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "JSON": FormatJSON, " yaml ": FormatYAML, "text": FormatText} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestYAMLKeepsRawMessageAndOrder(t *testing.T) {
	data := struct {
		ID    string          `json:"id"`
		Value json.RawMessage `json:"value"`
	}{"7", json.RawMessage(`{"zeta":1,"alpha":"x","flag":"true"}`)}

	var buf bytes.Buffer
	if err := Write(&buf, FormatYAML, data); err != nil {
		t.Fatal(err)
	}
	want := "id: \"7\"\nvalue:\n  zeta: 1\n  alpha: x\n  flag: \"true\"\n"
	if buf.String() != want {
		t.Fatalf("yaml output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestTextTable(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatText, table{}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", buf.String())
	}
	if lines[0] != "ID  TYPE" || lines[2] != "22  get_scene_info" {
		t.Fatalf("unexpected table %q", buf.String())
	}
}

func TestTextRawMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatText, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
