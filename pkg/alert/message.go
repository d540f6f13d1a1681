// Package alert formats threshold breaches into one consolidated message and
// delivers it to every enabled channel.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/supporttools/log-sentinel/pkg/types"
)

// SubjectPrefix starts every alert subject.
const SubjectPrefix = "[Log Sentinel]"

// CycleInfo identifies the cycle that produced the breaches.
type CycleInfo struct {
	CycleID  string
	HostName string
	At       time.Time
}

// Message is the consolidated alert for one cycle.
type Message struct {
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	CycleID  string         `json:"cycleId"`
	HostName string         `json:"hostName"`
	Breaches []types.Breach `json:"breaches"`
}

// Text returns the subject and body as one block.
func (m Message) Text() string {
	return m.Subject + "\n" + m.Body
}

// Format renders breaches as a single message.
func Format(breaches []types.Breach, info CycleInfo) Message {
	at := info.At
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	for _, br := range breaches {
		fmt.Fprintf(&b, "- %s: %d (>= %d)", br.Category, br.Count, br.Limit)
		if len(br.Samples) > 0 {
			fmt.Fprintf(&b, "  e.g., %s", strings.Join(br.Samples, ", "))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nCycle: %s\nHost: %s\n", info.CycleID, info.HostName)

	return Message{
		Subject:  fmt.Sprintf("%s Threshold exceeded at %s", SubjectPrefix, at.UTC().Format(time.RFC3339)),
		Body:     b.String(),
		CycleID:  info.CycleID,
		HostName: info.HostName,
		Breaches: breaches,
	}
}
