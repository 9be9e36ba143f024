package scan

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes pose estimates to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	estimates     map[string]*PoseEstimate
	mu            sync.RWMutex
}

// NewPublisher creates a new pose publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "scanmesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire and forget, the next scan supersedes it
		retain:        true, // late subscribers get the latest pose
		estimates:     make(map[string]*PoseEstimate),
	}
}

// SetPrefix overrides the topic prefix, e.g. from mqtt.publishPrefix in the config
func (p *Publisher) SetPrefix(prefix string) {
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishEstimate publishes one sensor's estimate to {prefix}/{sensor}/pose
// and the combined view of all sensors to {prefix}/poses
func (p *Publisher) PublishEstimate(est *PoseEstimate) error {
	if est == nil || est.SensorID == "" {
		return fmt.Errorf("publish estimate: missing sensor ID")
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	stored := *est
	p.mu.Lock()
	p.estimates[est.SensorID] = &stored
	p.mu.Unlock()

	if err := p.publishIndividual(&stored); err != nil {
		log.Printf("[MQTT] Error publishing pose for %s: %v", est.SensorID, err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] Error publishing combined poses: %v", err)
		return err
	}

	return nil
}

func (p *Publisher) publishIndividual(est *PoseEstimate) error {
	topic := fmt.Sprintf("%s/%s/pose", p.publishPrefix, est.SensorID)

	payload, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("marshaling pose: %w", err)
	}

	if err := p.publish(topic, payload, p.retain); err != nil {
		return err
	}

	log.Printf("[MQTT] Published pose for %s: (%.3f, %.3f) heading=%.1f°",
		est.SensorID, est.Pose.X, est.Pose.Y, est.Pose.Heading*180/math.Pi)
	return nil
}

// combinedPoses is the payload of {prefix}/poses
type combinedPoses struct {
	Sensors   []*PoseEstimate `json:"sensors"`
	Timestamp int64           `json:"timestamp"`
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	sensors := make([]*PoseEstimate, 0, len(p.estimates))
	for _, est := range p.estimates {
		sensors = append(sensors, est)
	}
	p.mu.RUnlock()

	topic := fmt.Sprintf("%s/poses", p.publishPrefix)
	if len(sensors) == 0 {
		// An empty retained message removes the broker's copy
		return p.publish(topic, []byte{}, true)
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].SensorID < sensors[j].SensorID })

	payload, err := json.Marshal(combinedPoses{Sensors: sensors, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshaling combined poses: %w", err)
	}

	return p.publish(topic, payload, p.retain)
}

func (p *Publisher) publish(topic string, payload []byte, retain bool) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetEstimate returns the last published estimate for a sensor
func (p *Publisher) GetEstimate(sensorID string) (*PoseEstimate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	est, ok := p.estimates[sensorID]
	if !ok {
		return nil, false
	}
	out := *est
	return &out, true
}

// ClearEstimate forgets a sensor, e.g. after a reset request. Its retained
// pose is removed from the broker and {prefix}/poses is republished without it.
func (p *Publisher) ClearEstimate(sensorID string) error {
	p.mu.Lock()
	delete(p.estimates, sensorID)
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/%s/pose", p.publishPrefix, sensorID)
	if err := p.publish(topic, []byte{}, true); err != nil {
		return err
	}
	if err := p.publishCombined(); err != nil {
		return err
	}

	log.Printf("[MQTT] Cleared pose for %s", sensorID)
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
