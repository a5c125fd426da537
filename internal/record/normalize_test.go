package record

import (
	"testing"
)

func mustJSON(t *testing.T, body string) Payload {
	t.Helper()
	p, err := DecodeJSON([]byte(body))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	return p
}

func TestNormalize_JSONShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"data array", `{"data":[{"a":1},{"a":2}]}`, 2},
		{"results array", `{"results":[{"a":1}]}`, 1},
		{"bare array", `[{"a":1},{"a":2},{"a":3}]`, 3},
		{"non-object elements skipped", `[{"a":1}, 5, "x", null]`, 1},
		{"unknown object shape", `{"meta":{"count":0}}`, 0},
		{"scalar", `42`, 0},
		{"empty data", `{"data":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := Normalize(mustJSON(t, tt.body))
			if len(rows) != tt.want {
				t.Errorf("got %d rows, want %d", len(rows), tt.want)
			}
		})
	}
}

func TestNormalize_JSONFlatten(t *testing.T) {
	p := mustJSON(t, `{"data":[{"id":7,"level":1.5,"ok":true,"name":"x",
		"nested":{"inner":{"v":3}},"tags":["a","b"],"missing":null}]}`)
	rows := Normalize(p)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]

	if v, ok := r["id"].(int64); !ok || v != 7 {
		t.Errorf("id = %#v, want int64(7)", r["id"])
	}
	if v, ok := r["level"].(float64); !ok || v != 1.5 {
		t.Errorf("level = %#v, want 1.5", r["level"])
	}
	if r["ok"] != true {
		t.Errorf("ok = %#v", r["ok"])
	}
	if v, ok := r["nested.inner.v"].(int64); !ok || v != 3 {
		t.Errorf("nested.inner.v = %#v", r["nested.inner.v"])
	}
	if r["tags"] != `["a","b"]` {
		t.Errorf("tags = %#v", r["tags"])
	}
	if v, present := r["missing"]; !present || v != nil {
		t.Errorf("missing = %#v, present=%v", v, present)
	}
}

func TestDecodeJSON_Invalid(t *testing.T) {
	for _, body := range []string{"", "<html>", `{"a":1} trailing`} {
		if _, err := DecodeJSON([]byte(body)); err == nil {
			t.Errorf("DecodeJSON(%q): expected error", body)
		}
	}
}

func TestNormalize_CSV(t *testing.T) {
	text := "\ufeffsettlementDate,period,quantity,flag,label\n" +
		"2024-01-01,1,10.5,true,alpha\n" +
		"2024-01-01,2,,false,\"beta, quoted\"\n" +
		",,,,\n"
	rows := Normalize(CSVPayload(text))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	first := rows[0]
	if first["settlementDate"] != "2024-01-01" {
		t.Errorf("settlementDate = %#v", first["settlementDate"])
	}
	if v, ok := first["period"].(int64); !ok || v != 1 {
		t.Errorf("period = %#v", first["period"])
	}
	if v, ok := first["quantity"].(float64); !ok || v != 10.5 {
		t.Errorf("quantity = %#v", first["quantity"])
	}
	if first["flag"] != true {
		t.Errorf("flag = %#v", first["flag"])
	}

	second := rows[1]
	if second["quantity"] != nil {
		t.Errorf("blank cell should be nil, got %#v", second["quantity"])
	}
	if second["label"] != "beta, quoted" {
		t.Errorf("label = %#v", second["label"])
	}
}

func TestNormalize_CSVEmpty(t *testing.T) {
	for _, text := range []string{"", "   \n", "onlyheader\n"} {
		if rows := Normalize(CSVPayload(text)); len(rows) != 0 {
			t.Errorf("Normalize(%q) = %d rows, want 0", text, len(rows))
		}
	}
}

func TestNormalize_EmptyPayload(t *testing.T) {
	if rows := Normalize(Payload{}); rows != nil {
		t.Errorf("expected nil rows, got %v", rows)
	}
}
