package wifi

import (
	"reflect"
	"testing"
)

func TestSplitTerse(t *testing.T) {
	got := splitTerse(`My\:SSID:70:WPA2`)
	want := []string{"My:SSID", "70", "WPA2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got=%q want=%q", got, want)
	}
	got = splitTerse(`back\\slash:1:`)
	want = []string{`back\slash`, "1", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got=%q want=%q", got, want)
	}
}

func TestParseScan_DedupesAndSorts(t *testing.T) {
	out := []byte("home:40:\n" +
		"home:80:WPA2\n" +
		":90:WPA2\n" +
		"cafe:80:\n" +
		"attic:20:WPA1\n" +
		"home:30:WPA3\n")
	nets, err := parseScan(out)
	if err != nil {
		t.Fatalf("parseScan: %v", err)
	}
	want := []Network{
		{SSID: "cafe", Signal: 80},
		{SSID: "home", Signal: 80, Security: "WPA2"},
		{SSID: "attic", Signal: 20, Security: "WPA1"},
	}
	if !reflect.DeepEqual(nets, want) {
		t.Fatalf("nets=%+v want %+v", nets, want)
	}
}
