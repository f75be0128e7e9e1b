// Package knowledge defines the port for retrieval-augmented context
// lookup consumed by expert implementations.
package knowledge

import (
	"context"

	"github.com/concilium/concilium/internal/domain/delib"
)

// Source returns reference material relevant to a case for a given expert
// specialty. Implementations must be safe for concurrent use; an empty
// string means no relevant context.
type Source interface {
	Context(ctx context.Context, c delib.CaseInfo, specialty string) (string, error)
}
