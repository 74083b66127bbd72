package pricing

import (
	"fmt"

	"github.com/example/mobility-sync/internal/models"
)

// table is the fixed subscription price list, in cents, keyed by vehicle
// class and subscription window. Consulted before activation; the core
// keeps no ledger, the balance check stays advisory in the UI layer.
var table = map[models.ServiceType]map[int]int64{
	models.ServiceMoto: {
		2:  150,
		6:  400,
		12: 700,
		24: 1200,
	},
	models.ServiceRemis: {
		2:  250,
		6:  650,
		12: 1100,
		24: 1900,
	},
}

// Durations returns the subscription windows offered for a vehicle class,
// unordered.
func Durations(t models.ServiceType) []int {
	row := table[t]
	out := make([]int, 0, len(row))
	for h := range row {
		out = append(out, h)
	}
	return out
}

// Quote looks up the price for a class/duration pair. Combinations outside
// the table are rejected at registration time.
func Quote(t models.ServiceType, durationHours int) (int64, error) {
	row, ok := table[t]
	if !ok {
		return 0, fmt.Errorf("pricing: unknown service type %q", t)
	}
	price, ok := row[durationHours]
	if !ok {
		return 0, fmt.Errorf("pricing: no %dh plan for %s", durationHours, t)
	}
	return price, nil
}
