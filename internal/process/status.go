package process

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Status is the engine's own view of a session, read from the status
// artifacts it writes next to the save files. The orchestration core does not
// model players; missed and unplayed names are surfaced as pass-through
// fields for the notification payload.
type Status struct {
	Turn            int64
	MissedTurns     []string
	UnplayedNations []string
}

// ParseStatusDump extracts the turn number from a statusdump artifact. The
// engine writes "turn N, era E, ..." as one of the leading lines; -1 means
// the session is still in the lobby.
func ParseStatusDump(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "turn ") {
			continue
		}
		first := strings.SplitN(line, ",", 2)[0]
		turnStr := strings.TrimSpace(strings.TrimPrefix(first, "turn "))
		turn, err := strconv.ParseInt(turnStr, 10, 64)
		if err != nil {
			return -1, fmt.Errorf("malformed turn line %q: %w", line, err)
		}
		return turn, nil
	}
	if err := scanner.Err(); err != nil {
		return -1, err
	}
	return -1, nil
}

// ParseStats extracts the completed turn number and the players who did not
// submit from the engine's stats artifact. The header is
// "Statistics for game <name> <turn>".
func ParseStats(r io.Reader) (*Status, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("stats artifact is empty")
	}

	header := strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(header, "Statistics for game") {
		return nil, fmt.Errorf("invalid stats header: %q", header)
	}
	fields := strings.Fields(header)
	turn, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid turn in stats header %q: %w", header, err)
	}

	status := &Status{Turn: turn}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasSuffix(line, "didn't play this turn") {
			name := strings.TrimSpace(strings.TrimSuffix(line, " didn't play this turn"))
			status.MissedTurns = append(status.MissedTurns, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return status, nil
}

// ParseQueryOutput extracts nations that have never submitted a turn from the
// engine's tcp status query. Player lines start after a fixed preamble and
// mark untouched nations with "(-)".
func ParseQueryOutput(raw string) []string {
	lines := strings.Split(raw, "\n")
	if len(lines) <= 6 {
		return nil
	}

	var unplayed []string
	for _, line := range lines[6:] {
		if !strings.Contains(line, "(-)") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) < 2 {
			continue
		}
		nation := strings.TrimSpace(strings.SplitN(parts[1], ",", 2)[0])
		if nation != "" {
			unplayed = append(unplayed, nation)
		}
	}
	return unplayed
}
