package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nexus-trading/trenchwatch/internal/bus"
	"github.com/rs/zerolog/log"
)

// Feed consumes discovery records from Kafka and submits them.
type Feed struct {
	intake   *Intake
	consumer bus.Consumer
}

func NewFeed(in *Intake, consumer bus.Consumer) *Feed {
	return &Feed{intake: in, consumer: consumer}
}

// Run blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	log.Info().Msg("intake: discovery feed started")
	err := f.consumer.Consume(ctx, f.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle decodes one bus.Discovery and submits it.
func (f *Feed) Handle(ctx context.Context, msg bus.Message) error {
	var d bus.Discovery
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		return fmt.Errorf("decode discovery: %w", err)
	}
	reason, err := f.intake.Submit(ctx, Discovery{
		Address:     d.Address,
		CapturedAt:  d.CapturedAt,
		CommunityID: d.CommunityID,
	})
	if err != nil {
		return err
	}
	log.Debug().Str("address", d.Address).Str("reason", string(reason)).Msg("intake: feed record handled")
	return nil
}

func (f *Feed) Close() {
	f.consumer.Close()
}
