package broadcast

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrConnectionNotFound = errors.New("broadcast: connection not found")
	ErrShuttingDown       = errors.New("broadcast: manager is shutting down")
	ErrInvalidSymbols     = errors.New("broadcast: invalid symbols")
	ErrSubscriptionLimit  = errors.New("broadcast: subscription limit exceeded")
	ErrSourceLimit        = errors.New("broadcast: too many connections from source")
)

var symbolPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// ValidSymbol reports whether s is 1 to 5 uppercase ASCII letters.
func ValidSymbol(s string) bool { return symbolPattern.MatchString(s) }

// InvalidSymbolsError names every symbol of a request that failed validation.
type InvalidSymbolsError struct {
	Symbols []string
}

func (e *InvalidSymbolsError) Error() string {
	return fmt.Sprintf("invalid symbols: %s", strings.Join(e.Symbols, ", "))
}

func (e *InvalidSymbolsError) Is(target error) bool { return target == ErrInvalidSymbols }

// SubscriptionLimitError rejects a subscribe whose resulting set would exceed Limit.
type SubscriptionLimitError struct {
	Limit   int
	Current int
	Adding  int
}

func (e *SubscriptionLimitError) Error() string {
	return fmt.Sprintf("subscription limit %d exceeded: %d held, %d requested", e.Limit, e.Current, e.Adding)
}

func (e *SubscriptionLimitError) Is(target error) bool { return target == ErrSubscriptionLimit }

// SourceLimitError rejects a connection from a host that already holds Limit connections.
type SourceLimitError struct {
	Source string
	Limit  int
}

func (e *SourceLimitError) Error() string {
	return fmt.Sprintf("source %s already holds %d connections", e.Source, e.Limit)
}

func (e *SourceLimitError) Is(target error) bool { return target == ErrSourceLimit }
