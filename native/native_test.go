package native

import "testing"

func TestDisabledAlwaysDefers(t *testing.T) {
	var tr Translator = Disabled{}
	if ok := tr.TranslateSegment(0x1000, []byte{1, 2, 3}); ok {
		t.Fatal("Disabled.TranslateSegment should always report ok=false")
	}
	if hints := tr.GatherJumpHints(0x1000, []byte{1, 2, 3}); hints != nil {
		t.Fatalf("Disabled.GatherJumpHints = %v, want nil", hints)
	}
}
