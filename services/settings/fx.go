package settings

import (
	"referral-ledger/pkg/httpapi"

	"go.uber.org/fx"
)

// Source is the read side of the store handed to components that only need rates.
type Source interface {
	Current() Rates
}

var Module = fx.Module("settings.service",
	fx.Provide(
		NewStore,
		func(s *Store) Source { return s },
	),
)

var Routes = fx.Module("settings.routes",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

// Static is a fixed Source, used by tooling and tests.
type Static Rates

func (s Static) Current() Rates {
	return Rates(s)
}

// DefaultRates builds a snapshot from Defaults only.
func DefaultRates() Rates {
	s := &Store{lookup: func(string) (string, bool) { return "", false }}
	r, err := s.build(nil)
	if err != nil {
		panic(err)
	}
	return *r
}
