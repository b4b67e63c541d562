package scheduler

import (
	"context"

	"github.com/LeventeLantos/dispatcher/internal/queue"
)

type Recoverer interface {
	Recover(ctx context.Context, limit int) (int, error)
}

// PromoteDue moves delayed send jobs whose time has come to the ready list.
func PromoteDue(q queue.Queue) Task {
	return Task{Name: "promote_due", Run: q.PromoteDue}
}

// RecoverStale re-enqueues messages whose send job was lost.
func RecoverStale(r Recoverer, batch int) Task {
	return Task{
		Name: "recover_stale",
		Run: func(ctx context.Context) (int, error) {
			return r.Recover(ctx, batch)
		},
	}
}
