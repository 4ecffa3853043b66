package manifest

import (
	"context"
)

// Source отдаёт ожидаемый набор трек-кодов для точки (хаб, машина) и актора.
type Source interface {
	Expected(ctx context.Context, location, actorRef string) ([]string, error)
}
