// Command client watches cases on a running casefile server and prints every event.
package main

import (
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/network"
)

func send(c *websocket.Conn, msgID uint16, body any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return err
		}
	}
	frame, err := network.EncodePacket(msgID, data)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, frame)
}

func parseCases(list string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func main() {
	host := flag.String("addr", "localhost:8080", "case event server address")
	cases := flag.String("cases", "", "comma separated case ids to watch")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
	flag.Parse()

	if err := logger.Init("info"); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Log

	ids, err := parseCases(*cases)
	if err != nil || len(ids) == 0 {
		log.Fatalf("-cases must list at least one numeric case id")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	log.Infof("Connecting to %s", u.String())
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, frame, err := c.ReadMessage()
			if err != nil {
				log.Infof("Read error: %v", err)
				return
			}
			p, err := network.DecodePacket(frame)
			if err != nil {
				log.Warnf("Invalid packet: %v", err)
				continue
			}
			switch p.MsgID {
			case network.MsgTypeCaseEvent:
				var evt models.CaseEvent
				if err := json.Unmarshal(p.Data, &evt); err != nil {
					log.Warnf("Invalid event: %v", err)
					continue
				}
				log.Infow("case event", "case", evt.CaseID, "from", evt.From, "to", evt.To, "action", evt.Action, "actor", evt.ActorID, "at", evt.At)
			case network.MsgTypeHeartbeat:
			default:
				log.Infof("<- RECV (ID: %d): %s", p.MsgID, p.Data)
			}
		}
	}()

	for _, id := range ids {
		if err := send(c, network.MsgTypeWatchCase, network.WatchRequest{CaseID: id}); err != nil {
			log.Fatalf("Watch %d failed: %v", id, err)
		}
	}

	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := send(c, network.MsgTypeHeartbeat, nil); err != nil {
				log.Infof("Heartbeat failed: %v", err)
				return
			}
		case <-interrupt:
			log.Info("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Infof("Write close error: %v", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
