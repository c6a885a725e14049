package engine

import (
	"reflect"
	"testing"
)

func queued(q *jobQueue[string], seq *int64, id string, p Priority) *entry[string] {
	*seq++
	e := &entry[string]{job: Job[string]{ID: id, Priority: p}, seq: *seq}
	if err := q.push(e); err != nil {
		panic(err)
	}
	return e
}

func popAll(q *jobQueue[string]) []string {
	var out []string
	for {
		e, ok := q.popHighest()
		if !ok {
			return out
		}
		out = append(out, e.job.ID)
	}
}

func TestQueueOrderingHighBeforeNormalFIFOWithinTier(t *testing.T) {
	t.Parallel()
	q := newJobQueue[string]()
	var seq int64
	queued(q, &seq, "A", PriorityHigh)
	queued(q, &seq, "B", PriorityNormal)
	queued(q, &seq, "C", PriorityHigh)

	if got, want := popAll(q), []string{"A", "C", "B"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if _, ok := q.popHighest(); ok {
		t.Fatal("pop on empty queue should report ok=false")
	}
}

func TestQueueStableForManyEqualEntries(t *testing.T) {
	t.Parallel()
	q := newJobQueue[string]()
	var seq int64
	want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range want {
		queued(q, &seq, id, PriorityNormal)
	}
	if got := popAll(q); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestQueuePushFrontStaysInsideTier(t *testing.T) {
	t.Parallel()
	q := newJobQueue[string]()
	var seq int64
	queued(q, &seq, "H1", PriorityHigh)
	queued(q, &seq, "N1", PriorityNormal)
	queued(q, &seq, "N2", PriorityNormal)

	seq++
	r1 := &entry[string]{job: Job[string]{ID: "R1", Priority: PriorityNormal}, seq: seq}
	seq++
	r2 := &entry[string]{job: Job[string]{ID: "R2", Priority: PriorityNormal}, seq: seq}
	if err := q.pushFront(r1); err != nil {
		t.Fatal(err)
	}
	if err := q.pushFront(r2); err != nil {
		t.Fatal(err)
	}

	want := []string{"H1", "R2", "R1", "N1", "N2"}
	if got := q.ids(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	// ids must not consume the queue.
	if got := popAll(q); !reflect.DeepEqual(got, want) {
		t.Fatalf("pop order = %v, want %v", got, want)
	}
}

func TestQueueRemoveAndReprioritize(t *testing.T) {
	t.Parallel()
	q := newJobQueue[string]()
	var seq int64
	queued(q, &seq, "a", PriorityNormal)
	queued(q, &seq, "b", PriorityNormal)
	queued(q, &seq, "c", PriorityLow)

	if _, ok := q.remove("missing"); ok {
		t.Fatal("remove of unknown id should fail")
	}
	if e, ok := q.remove("a"); !ok || e.job.ID != "a" {
		t.Fatalf("remove(a) = %v, %v", e, ok)
	}
	if q.reprioritize("missing", PriorityHigh) {
		t.Fatal("reprioritize of unknown id should fail")
	}
	if !q.reprioritize("c", PriorityHigh) {
		t.Fatal("reprioritize(c) failed")
	}
	if got, want := popAll(q), []string{"c", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestQueueRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	q := newJobQueue[string]()
	var seq int64
	queued(q, &seq, "a", PriorityNormal)
	if err := q.push(&entry[string]{job: Job[string]{ID: "a"}, seq: 99}); err == nil {
		t.Fatal("duplicate push should fail")
	}
	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
}
