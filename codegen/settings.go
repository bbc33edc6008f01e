/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package codegen

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/launix-de/go-mysqlstack/xlog"
)

// ByteSize is a size in bytes that reads "4KiB" as well as plain numbers.
type ByteSize int64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.Set(s)
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *ByteSize) Set(s string) error {
	if s == "" {
		*b = 0
		return nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

type Settings struct {
	BlockInitSlack     int      `json:"block_init_slack"`   // bulk zeroing iff count > large GC structs + slack
	AlwaysInitMemory   bool     `json:"always_init_memory"` // zero every stack local
	ForceFramePointer  bool     `json:"force_frame_pointer"`
	FullyInterruptible bool     `json:"fully_interruptible"`
	ProfilerEnter      bool     `json:"profiler_enter"`
	SecurityCookie     bool     `json:"security_cookie"`
	CookieValue        int64    `json:"cookie_value"`
	Funclets           bool     `json:"funclets"`
	PageSize           ByteSize `json:"page_size"` // 0 = target default
	ProbeUnrollPages   int      `json:"probe_unroll_pages"`
	EnC                bool     `json:"enc"`
	StressFallback     bool     `json:"stress_fallback"`
	Trace              bool     `json:"trace"`
	LogLevel           string   `json:"log_level"`
}

func DefaultSettings() Settings {
	return Settings{
		BlockInitSlack:   4,
		Funclets:         true,
		ProbeUnrollPages: 4,
		CookieValue:      0x2B992DDFA232,
		LogLevel:         "ERROR",
	}
}

// Conservative is the configuration of the single retry after a policy
// fallback.
func (s Settings) Conservative() Settings {
	s.ForceFramePointer = true
	s.FullyInterruptible = false
	s.StressFallback = false
	return s
}

// LoadSettings reads a JSON settings file on top of the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

func (s Settings) pageSize(def int) int {
	if s.PageSize > 0 {
		return int(s.PageSize)
	}
	return def
}

var logLevels = map[string]xlog.LogLevel{
	"DEBUG":   xlog.DEBUG,
	"INFO":    xlog.INFO,
	"WARNING": xlog.WARNING,
	"ERROR":   xlog.ERROR,
}

// Logger creates the compilation log for the configured level.
func (s Settings) Logger() *xlog.Log {
	lvl, ok := logLevels[strings.ToUpper(s.LogLevel)]
	if !ok {
		lvl = xlog.ERROR
	}
	return xlog.NewStdLog(xlog.Level(lvl))
}

var settingNames = []string{
	"BlockInitSlack", "AlwaysInitMemory", "ForceFramePointer", "FullyInterruptible",
	"ProfilerEnter", "SecurityCookie", "CookieValue", "Funclets", "PageSize",
	"ProbeUnrollPages", "EnC", "StressFallback", "Trace", "LogLevel",
}

// Names lists the keys understood by Get and Set.
func (s Settings) Names() []string {
	return settingNames
}

func (s Settings) Get(key string) (string, error) {
	switch key {
	case "BlockInitSlack":
		return strconv.Itoa(s.BlockInitSlack), nil
	case "AlwaysInitMemory":
		return strconv.FormatBool(s.AlwaysInitMemory), nil
	case "ForceFramePointer":
		return strconv.FormatBool(s.ForceFramePointer), nil
	case "FullyInterruptible":
		return strconv.FormatBool(s.FullyInterruptible), nil
	case "ProfilerEnter":
		return strconv.FormatBool(s.ProfilerEnter), nil
	case "SecurityCookie":
		return strconv.FormatBool(s.SecurityCookie), nil
	case "CookieValue":
		return strconv.FormatInt(s.CookieValue, 10), nil
	case "Funclets":
		return strconv.FormatBool(s.Funclets), nil
	case "PageSize":
		return s.PageSize.String(), nil
	case "ProbeUnrollPages":
		return strconv.Itoa(s.ProbeUnrollPages), nil
	case "EnC":
		return strconv.FormatBool(s.EnC), nil
	case "StressFallback":
		return strconv.FormatBool(s.StressFallback), nil
	case "Trace":
		return strconv.FormatBool(s.Trace), nil
	case "LogLevel":
		return s.LogLevel, nil
	}
	return "", fmt.Errorf("unknown setting: %s", key)
}

func (s *Settings) Set(key, value string) error {
	var err error
	switch key {
	case "BlockInitSlack":
		s.BlockInitSlack, err = strconv.Atoi(value)
	case "AlwaysInitMemory":
		s.AlwaysInitMemory, err = strconv.ParseBool(value)
	case "ForceFramePointer":
		s.ForceFramePointer, err = strconv.ParseBool(value)
	case "FullyInterruptible":
		s.FullyInterruptible, err = strconv.ParseBool(value)
	case "ProfilerEnter":
		s.ProfilerEnter, err = strconv.ParseBool(value)
	case "SecurityCookie":
		s.SecurityCookie, err = strconv.ParseBool(value)
	case "CookieValue":
		s.CookieValue, err = strconv.ParseInt(value, 0, 64)
	case "Funclets":
		s.Funclets, err = strconv.ParseBool(value)
	case "PageSize":
		err = s.PageSize.Set(value)
	case "ProbeUnrollPages":
		s.ProbeUnrollPages, err = strconv.Atoi(value)
	case "EnC":
		s.EnC, err = strconv.ParseBool(value)
	case "StressFallback":
		s.StressFallback, err = strconv.ParseBool(value)
	case "Trace":
		s.Trace, err = strconv.ParseBool(value)
	case "LogLevel":
		if _, ok := logLevels[strings.ToUpper(value)]; !ok {
			return fmt.Errorf("unknown log level: %s", value)
		}
		s.LogLevel = strings.ToUpper(value)
	default:
		return fmt.Errorf("unknown setting: %s", key)
	}
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}
