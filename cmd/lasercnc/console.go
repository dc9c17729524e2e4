package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mastercactapus/lasercnc/serialport"
	log "github.com/sirupsen/logrus"
)

const consoleWriteWait = 5 * time.Second

// console fans out serial traffic to websocket clients. Lines are dropped
// for clients that can't keep up.
type console struct {
	upgrader websocket.Upgrader

	mx      sync.Mutex
	clients map[chan serialport.Line]struct{}
}

func newConsole() *console {
	return &console{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[chan serialport.Line]struct{}),
	}
}

// Monitor is used as serialport.ConnOptions.Monitor.
func (c *console) Monitor(l serialport.Line) {
	c.mx.Lock()
	defer c.mx.Unlock()
	for ch := range c.clients {
		select {
		case ch <- l:
		default:
		}
	}
}

func (c *console) subscribe() (chan serialport.Line, func()) {
	ch := make(chan serialport.Line, 100)
	c.mx.Lock()
	c.clients[ch] = struct{}{}
	c.mx.Unlock()
	return ch, func() {
		c.mx.Lock()
		delete(c.clients, ch)
		c.mx.Unlock()
	}
}

func (c *console) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		// the console is read-only, anything sent is discarded
		_, _, err := ws.ReadMessage()
		if err != nil {
			return
		}
	}
}

func (c *console) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := c.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Println("ERROR: console: upgrade:", err)
		return
	}
	defer ws.Close()

	lines, unsubscribe := c.subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go c.readLoop(ws, done)

	for {
		select {
		case <-done:
			return
		case l := <-lines:
			ws.SetWriteDeadline(time.Now().Add(consoleWriteWait))
			err = ws.WriteJSON(l)
			if err != nil {
				log.Println("ERROR: console: send:", err)
				return
			}
		}
	}
}
