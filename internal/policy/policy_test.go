package policy

import (
	"reflect"
	"testing"
)

func TestRevokeAndRestore(t *testing.T) {
	reg := NewRegistry(nil)

	changed := reg.Revoke([]string{"a:x", "b:y", "a:x", ""}, "abuse", "ops")
	if !reflect.DeepEqual(changed, []string{"a:x", "b:y"}) {
		t.Errorf("revoke changed = %v", changed)
	}
	if !reg.IsRevoked("a:x") || !reg.IsRevoked("b:y") {
		t.Error("ids not revoked")
	}
	if reg.IsRevoked("c:z") {
		t.Error("unrelated id reported revoked")
	}

	// Revoking an already revoked id is a no-op.
	if changed := reg.Revoke([]string{"a:x"}, "", ""); changed != nil {
		t.Errorf("second revoke changed = %v", changed)
	}

	changed = reg.Restore([]string{"a:x", "never-revoked"}, "", "ops")
	if !reflect.DeepEqual(changed, []string{"a:x"}) {
		t.Errorf("restore changed = %v", changed)
	}
	if reg.IsRevoked("a:x") {
		t.Error("restored id still revoked")
	}
}

func TestSnapshotSorted(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Revoke([]string{"z:last", "a:first", "m:mid"}, "", "")

	want := []string{"a:first", "m:mid", "z:last"}
	if got := reg.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("snapshot = %v, want %v", got, want)
	}
}

func TestAuditTrail(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Revoke([]string{"a:x"}, "incident-42", "alice")
	reg.Restore([]string{"a:x"}, "resolved", "bob")
	reg.Revoke([]string{"a:x"}, "", "")

	audit := reg.Audit()
	if len(audit) != 3 {
		t.Fatalf("audit length = %d, want 3", len(audit))
	}
	if audit[0].Action != ActionRevoked || audit[0].Reason != "incident-42" || audit[0].Actor != "alice" {
		t.Errorf("first entry = %+v", audit[0])
	}
	if audit[1].Action != ActionRestored || audit[1].Actor != "bob" {
		t.Errorf("second entry = %+v", audit[1])
	}
	if audit[0].At.IsZero() {
		t.Error("audit entry missing timestamp")
	}

	// No-op mutations leave no audit trace.
	reg.Restore([]string{"not-revoked"}, "", "")
	if got := len(reg.Audit()); got != 3 {
		t.Errorf("audit length after no-op = %d, want 3", got)
	}
}

func TestClearRestoresEverything(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Revoke([]string{"b:y", "a:x"}, "", "")

	cleared := reg.Clear("ops")
	if !reflect.DeepEqual(cleared, []string{"a:x", "b:y"}) {
		t.Errorf("cleared = %v", cleared)
	}
	if len(reg.Snapshot()) != 0 {
		t.Error("snapshot not empty after clear")
	}

	audit := reg.Audit()
	last := audit[len(audit)-1]
	if last.Action != ActionRestored || last.Reason != "policy cleared" {
		t.Errorf("clear audit entry = %+v", last)
	}
}

func TestSubscribeDeliversImmediateSnapshotAndChanges(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Revoke([]string{"a:x"}, "", "")

	var got []Change
	unsubscribe := reg.Subscribe(func(c Change) { got = append(got, c) })

	if len(got) != 1 {
		t.Fatalf("changes after subscribe = %d, want immediate snapshot", len(got))
	}
	if !reflect.DeepEqual(got[0].Snapshot, []string{"a:x"}) {
		t.Errorf("initial snapshot = %v", got[0].Snapshot)
	}

	reg.Revoke([]string{"b:y"}, "", "")
	if len(got) != 2 {
		t.Fatalf("changes after revoke = %d", len(got))
	}
	if got[1].Action != ActionRevoked || !reflect.DeepEqual(got[1].Changed, []string{"b:y"}) {
		t.Errorf("change = %+v", got[1])
	}
	if !reflect.DeepEqual(got[1].Snapshot, []string{"a:x", "b:y"}) {
		t.Errorf("change snapshot = %v", got[1].Snapshot)
	}

	// No-op mutation publishes nothing.
	reg.Revoke([]string{"a:x"}, "", "")
	if len(got) != 2 {
		t.Errorf("no-op revoke published a change")
	}

	unsubscribe()
	reg.Revoke([]string{"c:z"}, "", "")
	if len(got) != 2 {
		t.Errorf("unsubscribed subscriber still notified")
	}
}
