package battery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPowerSupplyDir is where Linux exposes batteries.
const DefaultPowerSupplyDir = "/sys/class/power_supply"

// SysfsSource reads the first battery under a Linux power_supply directory.
// Machines without one report a reading with Present false.
type SysfsSource struct {
	Dir string
}

func (s SysfsSource) Read() (Reading, error) {
	dir := s.Dir
	if dir == "" {
		dir = DefaultPowerSupplyDir
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Reading{}, nil
	}
	if err != nil {
		return Reading{}, fmt.Errorf("list power supplies: %w", err)
	}

	for _, entry := range entries {
		supply := filepath.Join(dir, entry.Name())
		kind, err := readTrimmed(filepath.Join(supply, "type"))
		if err != nil || kind != "Battery" {
			continue
		}

		raw, err := readTrimmed(filepath.Join(supply, "capacity"))
		if err != nil {
			return Reading{}, fmt.Errorf("read battery capacity: %w", err)
		}
		charge, err := strconv.Atoi(raw)
		if err != nil {
			return Reading{}, fmt.Errorf("parse battery capacity %q: %w", raw, err)
		}
		status, _ := readTrimmed(filepath.Join(supply, "status"))

		return Reading{
			Charge:   charge,
			Charging: status == "Charging" || status == "Full",
			Present:  true,
		}, nil
	}
	return Reading{}, nil
}

func readTrimmed(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
