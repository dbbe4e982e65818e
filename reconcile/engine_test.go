package reconcile

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"journeycore/collision"
	"journeycore/protocol"
)

func wall(id int, x, y, w, h float64) collision.Quad {
	return collision.Quad{ID: id, Position: protocol.Vector2{X: x, Y: y}, Size: protocol.Vector2{X: w, Y: h}}
}

func player() collision.Quad {
	return collision.Quad{Size: protocol.Vector2{X: 10, Y: 10}}
}

func near(a, b protocol.Vector2) bool {
	return math.Abs(a.X-b.X) < 1e-9 && math.Abs(a.Y-b.Y) < 1e-9
}

func newEngine(t *testing.T, colliders ...collision.Quad) *Engine {
	t.Helper()
	e := NewEngine(colliders)
	if err := e.Track("p1", player()); err != nil {
		t.Fatalf("track: %v", err)
	}
	return e
}

func TestApplyPositions_NoOverlapIsSilent(t *testing.T) {
	e := newEngine(t, wall(1, 100, 100, 20, 20))
	want := protocol.Vector2{X: 12.5, Y: -3}
	events, err := e.ApplyPositions("p1", []protocol.Vector2{want})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no corrections, got %+v", events)
	}
	q, _ := e.Quad("p1")
	if q.Position != want {
		t.Fatalf("position=%+v want %+v", q.Position, want)
	}
}

func TestApplyPositions_SingleOverlapCorrectsByMTV(t *testing.T) {
	e := newEngine(t, wall(1, 0, 0, 10, 10))
	submitted := protocol.Vector2{X: 8, Y: 0}
	events, err := e.ApplyPositions("p1", []protocol.Vector2{submitted})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one correction, got %d", len(events))
	}
	mtv, _ := collision.MTV(collision.Quad{Position: submitted, Size: player().Size}, wall(1, 0, 0, 10, 10))
	if !near(events[0].Position, submitted.Add(mtv)) {
		t.Fatalf("corrected=%+v want %+v", events[0].Position, submitted.Add(mtv))
	}
	if events[0].ConnectionID != "p1" {
		t.Fatalf("connection=%q", events[0].ConnectionID)
	}
}

func TestApplyPositions_DeepInsideLargeColliderIsPushedOut(t *testing.T) {
	big := wall(1, 0, 0, 100, 100)
	e := newEngine(t, big)
	events, err := e.ApplyPositions("p1", []protocol.Vector2{{X: 30, Y: 0}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 1 || !near(events[0].Position, protocol.Vector2{X: 55, Y: 0}) {
		t.Fatalf("events=%+v", events)
	}
	q, _ := e.Quad("p1")
	if _, still := collision.MTV(q, big); still {
		t.Fatalf("resolved quad %+v still inside collider", q.Position)
	}
}

func TestApplyPositions_AdjustmentFlagIsPerInput(t *testing.T) {
	e := newEngine(t, wall(1, 0, 0, 10, 10))
	events, err := e.ApplyPositions("p1", []protocol.Vector2{
		{X: 8, Y: 0},  // 碰撞
		{X: 50, Y: 0}, // 空地
		{X: 0, Y: 9},  // 碰撞
		{X: 60, Y: 0}, // 空地
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 corrections, got %+v", events)
	}
	q, _ := e.Quad("p1")
	if q.Position != (protocol.Vector2{X: 60}) {
		t.Fatalf("final position=%+v", q.Position)
	}
}

func TestApplyRotations_KeepsLast(t *testing.T) {
	e := newEngine(t)
	if err := e.ApplyRotations("p1", []float64{10, 20, 270}); err != nil {
		t.Fatalf("rotations: %v", err)
	}
	q, _ := e.Quad("p1")
	if q.Rotation != 270 {
		t.Fatalf("rotation=%v", q.Rotation)
	}
	if err := e.ApplyRotations("p1", nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	q, _ = e.Quad("p1")
	if q.Rotation != 270 {
		t.Fatalf("empty batch changed rotation to %v", q.Rotation)
	}
}

func TestPerConnectionQuads(t *testing.T) {
	e := newEngine(t)
	if err := e.Track("p2", player()); err != nil {
		t.Fatalf("track p2: %v", err)
	}
	if err := e.Track("p2", player()); !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("expected ErrAlreadyTracked, got %v", err)
	}
	_, _ = e.ApplyPositions("p1", []protocol.Vector2{{X: 1, Y: 1}})
	_, _ = e.ApplyPositions("p2", []protocol.Vector2{{X: 2, Y: 2}})
	q1, _ := e.Quad("p1")
	q2, _ := e.Quad("p2")
	if q1.Position == q2.Position {
		t.Fatalf("connections share a quad")
	}

	e.Release("p2")
	if _, err := e.ApplyPositions("p2", []protocol.Vector2{{}}); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
	if e.Len() != 1 {
		t.Fatalf("len=%d", e.Len())
	}
}

// 并发提交与按顺序提交结果一致：每个修正都等于该输入单独处理的结果，
// 最终位置等于某一个输入的顺序处理结果（不会出现部分位移）。
func TestApplyPositions_ConcurrentSubmissionsAreSerialized(t *testing.T) {
	colliders := []collision.Quad{wall(2, 0, 0, 10, 10), wall(1, 9, 0, 10, 10), wall(3, -20, 5, 6, 30)}

	rng := rand.New(rand.NewSource(7))
	const n = 200
	inputs := make([]protocol.Vector2, n)
	for i := range inputs {
		inputs[i] = protocol.Vector2{X: rng.Float64()*40 - 20, Y: rng.Float64()*20 - 10}
	}

	// 顺序基准
	seq := NewEngine(colliders)
	_ = seq.Track("p1", player())
	expected := make(map[int]protocol.Vector2, n)
	for i, p := range inputs {
		_, _ = seq.ApplyPositions("p1", []protocol.Vector2{p})
		q, _ := seq.Quad("p1")
		expected[i] = q.Position
	}
	seqFinal, _ := seq.Quad("p1")
	if seqFinal.Position != expected[n-1] {
		t.Fatalf("sequential final mismatch")
	}

	for round := 0; round < 5; round++ {
		e := NewEngine(colliders)
		_ = e.Track("p1", player())

		order := rng.Perm(n)
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, idx := range order {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				events, err := e.ApplyPositions("p1", []protocol.Vector2{inputs[i]})
				if err != nil {
					mu.Lock()
					firstErr = err
					mu.Unlock()
					return
				}
				for _, ev := range events {
					if !near(ev.Position, expected[i]) {
						mu.Lock()
						firstErr = errors.New("correction does not match sequential result")
						mu.Unlock()
					}
				}
			}(idx)
		}
		wg.Wait()
		if firstErr != nil {
			t.Fatalf("round %d: %v", round, firstErr)
		}

		final, _ := e.Quad("p1")
		matched := false
		for _, want := range expected {
			if near(final.Position, want) {
				matched = true
				break
			}
		}
		if !matched {
			t.Fatalf("round %d: final position %+v is not any input's sequential result", round, final.Position)
		}
	}
}
