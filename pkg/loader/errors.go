package loader

import (
	"fmt"
	"strings"

	"github.com/polisai/plugin-runner/pkg/domain"
)

const (
	maxCandidates = 10
	maxLoadErrors = 5
)

// TypeNotFoundError reports a type name no opened module declares.
type TypeNotFoundError struct {
	TypeName   string
	ModulePath string
	Candidates []string
	LoadErrors []string
}

func (e *TypeNotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plugin type '%s' not found in %s", e.TypeName, e.ModulePath)
	if len(e.Candidates) > 0 {
		fmt.Fprintf(&b, ". Available types: %s", strings.Join(e.Candidates, ", "))
	} else {
		b.WriteString(". The module declares no types")
	}
	if len(e.LoadErrors) > 0 {
		fmt.Fprintf(&b, ". Load errors: %s", strings.Join(e.LoadErrors, "; "))
	}
	return b.String()
}

// Is matches domain.ErrTypeNotFound.
func (e *TypeNotFoundError) Is(target error) bool {
	return target == domain.ErrTypeNotFound
}

func newTypeNotFound(typeName, modulePath string, candidates, loadErrors []string) *TypeNotFoundError {
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	if len(loadErrors) > maxLoadErrors {
		loadErrors = loadErrors[:maxLoadErrors]
	}
	return &TypeNotFoundError{TypeName: typeName, ModulePath: modulePath, Candidates: candidates, LoadErrors: loadErrors}
}
