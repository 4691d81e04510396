package autosave

import (
	"strconv"
	"strings"

	"github.com/vaultgate/vaultgate/internal/settingsmeta"
)

// Evaluator computes advisory warnings from the static metadata table.
// Warnings never block a save.
type Evaluator struct {
	table *settingsmeta.Table
}

// NewEvaluator creates an evaluator over table; a nil table yields no warnings
func NewEvaluator(table *settingsmeta.Table) *Evaluator {
	return &Evaluator{table: table}
}

// Warning returns the warning for key at value, or "" when there is none.
// A non-empty external warning always takes precedence.
func (ev *Evaluator) Warning(key, value, external string) string {
	if external != "" {
		return external
	}

	meta, ok := ev.table.Get(key)
	if !ok || meta.WarningThreshold == nil {
		return ""
	}

	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return ""
	}

	th := meta.WarningThreshold
	if (th.Above != nil && n > *th.Above) || (th.Below != nil && n < *th.Below) {
		return th.Message
	}
	return ""
}
