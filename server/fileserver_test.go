package server

import "testing"

func TestParseRangeSingle(t *testing.T) {
	ranges, err := parseRange("bytes=0-99", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 1 || ranges[0].start != 0 || ranges[0].length != 100 {
		t.Fatalf("got %+v", ranges)
	}
}

func TestParseRangeSuffix(t *testing.T) {
	ranges, err := parseRange("bytes=-500", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 1 || ranges[0].start != 500 || ranges[0].length != 500 {
		t.Fatalf("got %+v", ranges)
	}
}

func TestParseRangeToEOF(t *testing.T) {
	ranges, err := parseRange("bytes=900-", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 1 || ranges[0].start != 900 || ranges[0].length != 100 {
		t.Fatalf("got %+v", ranges)
	}
}

func TestParseRangeNoOverlap(t *testing.T) {
	_, err := parseRange("bytes=2000-3000", 1000)
	if err != errNoOverlap {
		t.Fatalf("expected errNoOverlap, got %v", err)
	}
}

func TestParseRangeEmpty(t *testing.T) {
	ranges, err := parseRange("", 1000)
	if err != nil || ranges != nil {
		t.Fatalf("expected nil, nil for empty header, got %v, %v", ranges, err)
	}
}

func TestParseRangeMalformed(t *testing.T) {
	cases := []string{"foo=0-10", "bytes=abc-10", "bytes=10-abc"}
	for _, c := range cases {
		if _, err := parseRange(c, 1000); err == nil {
			t.Errorf("parseRange(%q): expected error", c)
		}
	}
}

func TestContentTypeForKnownExtension(t *testing.T) {
	if ct := contentTypeFor("index.html"); ct == "" {
		t.Error("expected a content type for .html")
	}
}
