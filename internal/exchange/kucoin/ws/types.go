package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pegbot/internal/exchange"
	"pegbot/internal/logger"
)

type Client struct {
	restBase     string
	log          *logger.Logger
	conn         *websocket.Conn
	connMu       sync.Mutex
	stopCh       chan struct{}
	stopOnce     sync.Once
	topics       []string
	pingInterval time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	cacheMu sync.RWMutex
	cache   map[string]exchange.TopOfBook
}

type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type SubscribeMessage struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Response bool   `json:"response"`
}

type tickerData struct {
	Symbol       string  `json:"symbol"`
	BestBidPrice string  `json:"bestBidPrice"`
	BestAskPrice string  `json:"bestAskPrice"`
	BestBidSize  float64 `json:"bestBidSize"`
	BestAskSize  float64 `json:"bestAskSize"`
	TS           int64   `json:"ts"`
}

type bulletResult struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		PingInterval int64  `json:"pingInterval"`
	} `json:"instanceServers"`
}
