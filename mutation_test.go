package tide

import (
	"errors"
	"strings"
	"testing"
)

func TestMutationLedger(t *testing.T) {
	l := newMutationLedger()

	id := l.register(PendingMutation{Kind: MutationSend, ConversationID: "c1", TargetID: "local-1"})
	if id == "" {
		t.Fatal("empty ledger id")
	}
	if got := l.snapshot(); len(got) != 1 || got[0].CreatedAt.IsZero() {
		t.Errorf("snapshot = %+v", got)
	}

	t.Run("resolve discharges", func(t *testing.T) {
		l.resolve(id)
		if got := l.snapshot(); len(got) != 0 {
			t.Errorf("snapshot = %+v", got)
		}
	})

	t.Run("fail keeps the entry for inspection", func(t *testing.T) {
		id := l.register(PendingMutation{Kind: MutationReact, ConversationID: "c1", TargetID: "m1"})
		cause := errors.New("boom")
		m := l.fail(id, cause)
		if m == nil || !m.Failed || !errors.Is(m.Err, cause) {
			t.Fatalf("failed mutation = %+v", m)
		}
		if got := l.snapshot(); len(got) != 1 || !got[0].Failed {
			t.Errorf("snapshot = %+v", got)
		}

		l.discard(id)
		if got := l.snapshot(); len(got) != 0 {
			t.Errorf("snapshot after discard = %+v", got)
		}
	})

	t.Run("fail on unknown id is nil", func(t *testing.T) {
		if m := l.fail("nope", errors.New("x")); m != nil {
			t.Errorf("m = %+v", m)
		}
	})
}

func TestNewLocalID(t *testing.T) {
	a, b := newLocalID(), newLocalID()
	if !strings.HasPrefix(a, "local-") {
		t.Errorf("id = %q", a)
	}
	if a == b {
		t.Error("ids must be unique")
	}
}
