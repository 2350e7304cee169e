package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lakowske/ib-stream/internal/model"
)

// ParseTrackedContracts parses the compact environment form
//
//	cid:symbol:tt1;tt2:buffer_hours,cid:symbol:tt1:buffer_hours,...
//
// into tracked-contract records. Contracts parsed this way are enabled.
func ParseTrackedContracts(s string) ([]model.TrackedContract, error) {
	entries := strings.Split(s, ",")
	tracked := make([]model.TrackedContract, 0, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.Split(entry, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("entry %q: want cid:symbol:tick_types:buffer_hours", entry)
		}

		cid, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: contract id: %w", entry, err)
		}

		var tickTypes []model.TickType
		for _, raw := range strings.Split(fields[2], ";") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			tt, err := model.ParseTickType(raw)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", entry, err)
			}
			tickTypes = append(tickTypes, tt)
		}
		if len(tickTypes) == 0 {
			return nil, fmt.Errorf("entry %q: no tick types", entry)
		}

		hours, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("entry %q: buffer hours: %w", entry, err)
		}

		tracked = append(tracked, model.TrackedContract{
			ContractID:  cid,
			Symbol:      fields[1],
			TickTypes:   tickTypes,
			BufferHours: hours,
			Enabled:     true,
		})
	}

	return tracked, nil
}
