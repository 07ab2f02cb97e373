//go:build integration

package monitor

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/finauth"
)

func TestAMQPPublisherDelivers(t *testing.T) {
	url := os.Getenv("FINAUTH_TEST_AMQP_URL")
	if url == "" {
		t.Skip("FINAUTH_TEST_AMQP_URL not set")
	}

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Exchange = "finauth.security.test"
	p, err := Dial(cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "security.critical.#", cfg.Exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Publish(ctx, testEvent()))

	select {
	case d := <-deliveries:
		var got finauth.SecurityEvent
		require.NoError(t, json.Unmarshal(d.Body, &got))
		assert.Equal(t, "evt-1", got.ID)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
