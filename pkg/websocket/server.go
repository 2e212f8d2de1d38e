// Package websocket streams committed vault records to WebSocket clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/events"
	"github.com/luxfi/ppv/pkg/vault"
)

const (
	// AllVaults receives the records of every vault.
	AllVaults = "vaults"
	// VaultPrefix prefixes per-vault channels: "vault:<symbol>".
	VaultPrefix = "vault:"
)

// NAVFunc returns the current valuation of a vault for subscription
// snapshots.
type NAVFunc func(ctx context.Context, symbol string) (interface{}, error)

// Server fans vault records out to subscribed clients. It is a vault.Sink.
type Server struct {
	logger log.Logger
	config Config
	nav    NAVFunc

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	unregister chan *Client
	broadcast  chan Message

	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	messagesOut uint64
	dropped     uint64
	clientCount int32
	nextID      uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is a WebSocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message is the envelope of everything sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest is sent by clients to (un)subscribe.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration.
type Config struct {
	Addr            string
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

// DefaultConfig returns default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8081",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
		SendBuffer:      256,
	}
}

// NewServer creates a server. nav may be nil, in which case subscriptions
// get no initial snapshot.
func NewServer(nav NAVFunc, logger log.Logger, config Config) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:        logger,
		config:        config,
		nav:           nav,
		clients:       make(map[*Client]bool),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run starts the hub. It returns immediately.
func (s *Server) Run() {
	s.wg.Add(1)
	go s.runHub()
}

// Start runs the hub and serves HTTP on config.Addr until Stop.
func (s *Server) Start() error {
	s.Run()

	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	s.logger.Info("vault feed listening", "addr", s.config.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("vault feed: %w", err)
	}
	return nil
}

// Stop shuts down the server and disconnects every client.
func (s *Server) Stop() {
	s.logger.Info("vault feed stopping", "subscribers", atomic.LoadInt32(&s.clientCount))
	s.cancel()
	s.wg.Wait()
}

func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				client.close()
			}
			s.clientsMu.Unlock()
			return

		case client := <-s.unregister:
			s.drop(client)

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("vault feed fan-out",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// add registers a client before its pumps start, so a subscription made
// over the connection is live for the next broadcast.
func (s *Server) add(client *Client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[client] = true
	total := atomic.AddInt32(&s.clientCount, 1)
	s.logger.Debug("vault subscriber joined", "id", client.id, "subscribers", total)
	return true
}

// drop removes a client. Only the hub goroutine calls it, so send is closed
// exactly once.
func (s *Server) drop(client *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
		client.close()
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	atomic.AddInt32(&s.clientCount, -1)
	s.unsubscribeAll(client)
	s.logger.Debug("vault subscriber left", "id", client.id, "subscribers", atomic.LoadInt32(&s.clientCount))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("vault feed handshake rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextID, 1)),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}
	if !s.add(client) {
		conn.Close()
		return
	}
	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

func (c *Client) readPump() {
	cfg := c.server.config
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var req SubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("vault subscriber dropped", "id", c.id, "error", err)
			}
			return
		}
		c.handleRequest(req)
	}
}

func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req SubscribeRequest) {
	switch req.Type {
	case "subscribe":
		for _, channel := range req.Channels {
			if !validChannel(channel) {
				c.sendError(fmt.Sprintf("Unknown channel: %s", channel))
				continue
			}
			c.mu.Lock()
			c.channels[channel] = true
			c.mu.Unlock()
			c.server.subscribe(channel, c)
			c.sendSnapshot(channel)
		}
		c.sendMessage(Message{
			Type:      "subscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})
	case "unsubscribe":
		for _, channel := range req.Channels {
			c.mu.Lock()
			delete(c.channels, channel)
			c.mu.Unlock()
			c.server.unsubscribe(channel, c)
		}
		c.sendMessage(Message{
			Type:      "unsubscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func validChannel(channel string) bool {
	return channel == AllVaults || (strings.HasPrefix(channel, VaultPrefix) && len(channel) > len(VaultPrefix))
}

// sendSnapshot sends the current valuation of the vault behind channel.
func (c *Client) sendSnapshot(channel string) {
	if c.server.nav == nil || !strings.HasPrefix(channel, VaultPrefix) {
		return
	}
	symbol := strings.TrimPrefix(channel, VaultPrefix)
	nav, err := c.server.nav(c.server.ctx, symbol)
	if err != nil {
		c.sendError(fmt.Sprintf("%s: %v", symbol, err))
		return
	}
	c.sendMessage(Message{
		Type:      "nav",
		Channel:   channel,
		Data:      nav,
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendMessage queues msg; a client that cannot keep up is disconnected.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("encode vault reply", "id", c.id, "type", msg.Type, "error", err)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		go func() { c.server.unregister <- c }()
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends msg to the subscribers of its channel and of
// AllVaults.
func (s *Server) broadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode vault record", "channel", msg.Channel, "error", err)
		return
	}

	s.subMu.RLock()
	targets := make(map[*Client]bool)
	for client := range s.subscriptions[msg.Channel] {
		targets[client] = true
	}
	for client := range s.subscriptions[AllVaults] {
		targets[client] = true
	}
	s.subMu.RUnlock()

	var slow []*Client
	s.clientsMu.RLock()
	for client := range targets {
		if !s.clients[client] {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	s.clientsMu.RUnlock()

	for _, client := range slow {
		s.drop(client)
	}
}

// Publish implements vault.Sink. Records are dropped rather than blocking
// the vault when the hub is backed up.
func (s *Server) Publish(r vault.Record) {
	msg := Message{
		Type:      "record",
		Channel:   VaultPrefix + r.Vault,
		Data:      events.NewMessage(r),
		Timestamp: r.Timestamp.Unix(),
		Sequence:  r.Sequence,
	}
	select {
	case s.broadcast <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Stats returns server statistics.
func (s *Server) Stats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
