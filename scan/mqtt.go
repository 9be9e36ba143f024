package scan

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ResetHandler is called when a sensor asks for its tracking state to be dropped,
// e.g. after the robot was carried or relocalized
type ResetHandler func(sensorID string)

// MessageHandler is called when a scan message is received
// Parameters: sensorID, rawPayload, scan, error
type MessageHandler func(sensorID string, rawPayload []byte, scan *LaserScan, err error)

// MQTTClient manages MQTT connection and subscriptions for scan data
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	resetHandler   ResetHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates the MQTT client for the configured sensors and starts connecting.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil.
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sensors) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sensor configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "scanmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	// Scans of one sensor must be registered in arrival order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every sensor's scan and reset topics
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to sensor topics...")
	c.setConnected(true)

	for _, sensor := range c.config.Sensors {
		if sensor.Topic == "" {
			continue
		}

		log.Printf("Subscribing to %s for sensor %s", sensor.Topic, sensor.ID)
		token := client.Subscribe(sensor.Topic, 0, c.createMessageHandler(sensor.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", sensor.Topic, token.Error())
		}

		if resetTopic, ok := deriveResetTopic(sensor.Topic); ok {
			resetToken := client.Subscribe(resetTopic, 0, c.createResetMessageHandler(sensor.ID))
			if resetToken.WaitTimeout(5*time.Second) && resetToken.Error() != nil {
				log.Printf("Error subscribing to %s: %v", resetTopic, resetToken.Error())
			}
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler creates a handler function for a specific sensor's topic
func (c *MQTTClient) createMessageHandler(sensorID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()

		s, err := DecodeScanData(payload)
		if err != nil {
			log.Printf("Error decoding scan for %s (topic: %s, %d bytes): %v", sensorID, msg.Topic(), len(payload), err)
		} else if s.SensorID == "" {
			s.SensorID = sensorID
		}

		if c.messageHandler != nil {
			c.messageHandler(sensorID, payload, s, err)
		}
	}
}

// SetResetHandler registers a callback that is invoked when a sensor requests a reset
func (c *MQTTClient) SetResetHandler(handler ResetHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetHandler = handler
}

func (c *MQTTClient) getResetHandler() ResetHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resetHandler
}

// deriveResetTopic converts a scan topic to its sibling reset topic.
// Example: "robot/lidar/scan" -> "robot/lidar/reset"
func deriveResetTopic(scanTopic string) (string, bool) {
	parts := strings.Split(scanTopic, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" {
		return "", false
	}
	parts[len(parts)-1] = "reset"
	if strings.Join(parts, "/") == scanTopic {
		return "", false
	}
	return strings.Join(parts, "/"), true
}

// resetPayload is the JSON form of a reset request
type resetPayload struct {
	Reset bool `json:"reset"`
}

// createResetMessageHandler accepts {"reset": true}, a JSON true, or the raw string "reset"
func (c *MQTTClient) createResetMessageHandler(sensorID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()

		var reset bool
		var obj resetPayload
		if err := json.Unmarshal(payload, &obj); err == nil {
			reset = obj.Reset
		} else if err := json.Unmarshal(payload, &reset); err != nil {
			reset = strings.TrimSpace(string(payload)) == "reset"
		}

		if !reset {
			return
		}
		log.Printf("Reset requested for %s", sensorID)
		if handler := c.getResetHandler(); handler != nil {
			handler(sensorID)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetSensorByTopic returns the sensor ID for a given topic
func (c *MQTTClient) GetSensorByTopic(topic string) (string, bool) {
	for _, sensor := range c.config.Sensors {
		if sensor.Topic == topic {
			return sensor.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// OnConnectHandler returns the handler that subscribes to the sensor topics.
// Clients built with NewMQTTClientWithClient must register it themselves.
func (c *MQTTClient) OnConnectHandler() mqtt.OnConnectHandler {
	return c.onConnect
}

// NewMQTTClientWithClient wraps an existing mqtt.Client, e.g. a MockClient in tests
func NewMQTTClientWithClient(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
