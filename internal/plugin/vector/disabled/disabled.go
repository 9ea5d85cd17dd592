package disabled

import (
	"context"
	"fmt"

	registryvector "github.com/recallio/recall/internal/registry/vector"
	"github.com/google/uuid"
)

func init() {
	registryvector.Register(registryvector.Plugin{
		Name: "none",
		Loader: func(_ context.Context) (registryvector.Store, error) {
			return &disabledStore{}, nil
		},
	})
}

// disabledStore stands in when no vector backend is configured. Semantic
// search reports itself unavailable instead of failing requests.
type disabledStore struct{}

func (d *disabledStore) Search(_ context.Context, _ []float32, _ []uuid.UUID, _ int) ([]registryvector.Match, error) {
	return nil, nil
}

func (d *disabledStore) Upsert(_ context.Context, _ []registryvector.Upsert) error {
	return fmt.Errorf("vector store is disabled")
}

func (d *disabledStore) DeleteGroup(_ context.Context, _ uuid.UUID) error {
	return nil
}

func (d *disabledStore) IsEnabled() bool { return false }
func (d *disabledStore) Name() string    { return "none" }

var _ registryvector.Store = (*disabledStore)(nil)
