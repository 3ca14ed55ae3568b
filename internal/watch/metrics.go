package watch

import (
	"context"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxMetrics writes monitor observations as InfluxDB points.
type InfluxMetrics struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewInfluxMetrics(url, token, org, bucket string) *InfluxMetrics {
	client := influxdb2.NewClient(url, token)
	return &InfluxMetrics{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

func (m *InfluxMetrics) RecordInflight(count int) {
	p := influxdb2.NewPoint("bridge_inflight",
		nil,
		map[string]interface{}{"count": count},
		time.Now(),
	)
	m.writePoint(p)
}

func (m *InfluxMetrics) RecordCredited(latency time.Duration) {
	p := influxdb2.NewPoint("bridge_credit_latency",
		nil,
		map[string]interface{}{"seconds": latency.Seconds()},
		time.Now(),
	)
	m.writePoint(p)
}

func (m *InfluxMetrics) RecordStale(s Stale) {
	p := influxdb2.NewPoint("bridge_stale_deposit",
		map[string]string{"message_id": s.MessageID, "token": s.Token},
		map[string]interface{}{
			"origin_domain": int64(s.OriginDomain),
			"amount":        s.Amount,
			"age_seconds":   s.Age.Seconds(),
		},
		time.Now(),
	)
	m.writePoint(p)
}

func (m *InfluxMetrics) writePoint(p *write.Point) {
	if err := m.write.WritePoint(context.Background(), p); err != nil {
		log.Printf("failed to write influx point: %v", err)
	}
}

func (m *InfluxMetrics) Close() {
	m.client.Close()
}
