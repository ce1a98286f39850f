package sink

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/security"
	"github.com/ciriscore/agentcore/internal/wiseauthority"
)

// Communicator is the fallback delivery path: when no WiseAuthority
// provider accepts a deferral, a formatted report is posted to the
// deferral channel instead.
type Communicator interface {
	SendMessage(channelID, content string) (bool, error)
}

// DeferralSink queues WA deferral packages.
type DeferralSink struct {
	q               queue[wiseauthority.DeferralContext]
	logger          *zap.Logger
	wa              wiseauthority.Service
	fallback        Communicator
	deferralChannel string
	sanitizer       *security.LogSanitizer
}

// NewDeferralSink creates a DeferralSink. wa and fallback may each be nil;
// with both nil every deferral fails and is logged.
func NewDeferralSink(size int, logger *zap.Logger, wa wiseauthority.Service, fallback Communicator, deferralChannel string) *DeferralSink {
	return &DeferralSink{
		q:               newQueue[wiseauthority.DeferralContext](size),
		logger:          logger,
		wa:              wa,
		fallback:        fallback,
		deferralChannel: deferralChannel,
		sanitizer:       security.NewLogSanitizer(),
	}
}

// Enqueue adds a deferral package; false on a full or stopped queue.
func (s *DeferralSink) Enqueue(d wiseauthority.DeferralContext) bool { return s.q.enqueue(d) }

// Len reports queued-but-undelivered deferrals.
func (s *DeferralSink) Len() int { return s.q.len() }

// Run delivers deferrals until Stop or ctx cancellation.
func (s *DeferralSink) Run(ctx context.Context) {
	s.q.run(ctx, s.logger, "deferral", s.deliver)
}

// Stop signals the loop to return after its in-flight delivery.
func (s *DeferralSink) Stop() { s.q.signalStop() }

func (s *DeferralSink) deliver(d wiseauthority.DeferralContext) error {
	if s.wa != nil {
		accepted, err := s.wa.SubmitDeferral(d)
		if err == nil && accepted {
			return nil
		}
		if err != nil {
			s.logger.Warn("wise authority rejected deferral, using fallback",
				zap.String("thought_id", d.ThoughtID), zap.Error(err))
		}
	}

	if s.fallback == nil {
		return fmt.Errorf("sink: no delivery path for deferral of thought %s", d.ThoughtID)
	}

	// The report leaves the core for a shared channel; sanitize it the way
	// log output is sanitized.
	report := s.sanitizer.Sanitize(FormatDeferralReport(d))
	ok, err := s.fallback.SendMessage(s.deferralChannel, report)
	if err != nil {
		return fmt.Errorf("sink: fallback deferral delivery: %w", err)
	}
	if !ok {
		return fmt.Errorf("sink: fallback deferral delivery refused for thought %s", d.ThoughtID)
	}
	return nil
}

// FormatDeferralReport renders a deferral as the human-readable report
// posted to the deferral channel. The thought id appears verbatim so WA
// replies can be correlated back.
func FormatDeferralReport(d wiseauthority.DeferralContext) string {
	var b strings.Builder
	b.WriteString("DEFERRAL REPORT\n")
	fmt.Fprintf(&b, "thought: %s\n", d.ThoughtID)
	fmt.Fprintf(&b, "task: %s\n", d.TaskID)
	fmt.Fprintf(&b, "reason: %s\n", d.Reason)
	if d.DeferUntil != nil {
		fmt.Fprintf(&b, "defer until: %s\n", d.DeferUntil.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	if d.Priority != "" {
		fmt.Fprintf(&b, "priority: %s\n", d.Priority)
	}
	for k, v := range d.Metadata {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}
