package grbl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mastercactapus/lasercnc/coord"
)

func parseCoords(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return p, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, err
	}
	return p, nil
}

func parsePair(data string) (a, b float64, err error) {
	parts := strings.Split(data, ",")
	a, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, err
	}
	if len(parts) > 1 {
		b, err = strconv.ParseFloat(parts[1], 64)
	}
	return a, b, err
}

func parseStatus(data string) (*Status, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	if parts[0] == "" {
		return nil, errors.New("missing machine state")
	}

	var stat Status
	stat.State = parts[0]
	var err error
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			stat.MPos, err = parseCoords(sParts[1])
			stat.HasMPos = true
		case "WPos":
			stat.WPos, err = parseCoords(sParts[1])
			stat.HasWPos = true
		case "WCO":
			stat.WCO, err = parseCoords(sParts[1])
			stat.HasWCO = true
		case "FS":
			stat.Feed, stat.Spindle, err = parsePair(sParts[1])
		case "F":
			stat.Feed, _, err = parsePair(sParts[1])
		case "Pn":
			stat.Pins = sParts[1]
		}
		if err != nil {
			return nil, err
		}
	}
	return &stat, nil
}

// parseCode parses the numeric code after a `prefix:`.
func parseCode(data, prefix string) (int, bool) {
	if !strings.HasPrefix(data, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(data[len(prefix):]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseSetting parses a `$N=V` line from a `$$` dump. GRBL 0.9
// appends a `(description)` that is dropped.
func parseSetting(data string) (*Setting, error) {
	parts := strings.SplitN(strings.TrimPrefix(data, "$"), "=", 2)
	if len(parts) != 2 {
		return nil, errors.New("missing '='")
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, err
	}
	val := strings.TrimSpace(strings.SplitN(parts[1], "(", 2)[0])
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, err
	}
	return &Setting{Num: num, Value: v}, nil
}

func parseFeedback(data string) Feedback {
	data = strings.TrimPrefix(data, "[")
	data = strings.TrimSuffix(data, "]")
	parts := strings.SplitN(data, ":", 2)
	if len(parts) == 1 {
		return Feedback{Text: parts[0]}
	}
	return Feedback{Kind: parts[0], Text: parts[1]}
}
