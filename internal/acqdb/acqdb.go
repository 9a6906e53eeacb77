// Package acqdb records acquisition metadata in a ClickHouse database.
package acqdb

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/usnistgov/scopeacq"
)

// Connection is a recorder of session and segment metadata. A Connection
// that is not connected accepts and ignores every message.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	segmentmsg    chan []*SegmentMessage
	abort         <-chan struct{} // closed when handleConnection stops receiving
	sync.WaitGroup
}

const databaseName = "scopeacq" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected is true if the server answered and no insert has failed.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// NewActivity describes this process for the acqactivity table.
func NewActivity(id string) *ActivityMessage {
	hostname, _ := os.Hostname()
	return &ActivityMessage{
		ID:        id,
		Hostname:  hostname,
		Githash:   scopeacq.Build.Githash,
		Version:   scopeacq.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// PingServer checks that a ClickHouse server answers at addr.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection connects to the server at addr, logs the activity entry and
// handles messages until abort is closed. Call Wait to wait for the final entry.
func StartConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.activityEntry = activity
	db.abort = abort
	db.logActivity()
	if db.conn == nil {
		db.Add(1)
		go func() {
			defer db.Done()
			<-abort
		}()
		return db
	}
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a Connection that records nothing.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	db.Done()
	return db
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SCOPEACQ_DB_USER"),
		Password: os.Getenv("SCOPEACQ_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "scopeacq", Version: scopeacq.Build.Version},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.sessionmsg = make(chan *SessionMessage)
	db.segmentmsg = make(chan []*SegmentMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO acqactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		scopeacq.ProblemLogger.Println("Error raised on AsyncInsert into acqactivity:", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case msg := <-db.sessionmsg:
			db.handleSessionMessage(msg)
		case msgs := <-db.segmentmsg:
			db.handleSegmentMessages(msgs)
		}
	}
}

// Disconnect records the end of the activity entry.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// SessionMessageFrom converts a session summary to its table row.
func SessionMessageFrom(info scopeacq.SessionInfo) *SessionMessage {
	channels := make([]string, len(info.Channels))
	for i, c := range info.Channels {
		channels[i] = fmt.Sprintf("%v:%v", c.ID, c.Range)
	}
	return &SessionMessage{
		ID:         info.ID,
		Family:     info.Family,
		Serial:     info.Serial,
		Resolution: info.Resolution,
		ADCMin:     info.ADCMin,
		ADCMax:     info.ADCMax,
		Channels:   strings.Join(channels, ","),
		Warnings:   info.Warnings,
		Faulted:    info.Faulted,
		Start:      info.Start,
		End:        info.End,
	}
}

// SegmentMessagesFrom converts captured segments to their table rows.
func SegmentMessagesFrom(sessionID, captureID string, segs []*scopeacq.CaptureSegment) []*SegmentMessage {
	msgs := make([]*SegmentMessage, len(segs))
	for i, seg := range segs {
		overflow := make([]string, len(seg.Overflow))
		for j, ch := range seg.Overflow {
			overflow[j] = ch.String()
		}
		msgs[i] = &SegmentMessage{
			SessionID:   sessionID,
			CaptureID:   captureID,
			Segment:     seg.Index,
			PreTrigger:  seg.PreTrigger,
			PostTrigger: seg.PostTrigger,
			Timebase:    seg.Timebase,
			Interval:    seg.Interval,
			RatioMode:   seg.Mode.String(),
			Ratio:       seg.Ratio,
			Returned:    seg.Returned,
			Overflow:    strings.Join(overflow, ","),
		}
	}
	return msgs
}

// RecordSession stores a session summary in the DB (if it's open). It blocks
// until the message is accepted so that a session row precedes its segments.
// Once the connection's abort channel is closed the message is discarded.
func (db *Connection) RecordSession(info scopeacq.SessionInfo) {
	if !db.IsConnected() {
		return
	}
	select {
	case db.sessionmsg <- SessionMessageFrom(info):
	case <-db.abort:
		scopeacq.ProblemLogger.Printf("Database connection closed; session %s not recorded", info.ID)
	}
}

// RecordSegments stores the metadata of captured segments in the DB (if it's open).
func (db *Connection) RecordSegments(sessionID, captureID string, segs []*scopeacq.CaptureSegment) {
	if !db.IsConnected() || len(segs) == 0 {
		return
	}
	msgs := SegmentMessagesFrom(sessionID, captureID, segs)
	go func() {
		select {
		case db.segmentmsg <- msgs:
		case <-db.abort:
		}
	}()
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	end := ""
	if !m.End.IsZero() {
		end = m.End.Format(timeFormat)
	}
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.Family, m.Serial, m.Resolution, m.ADCMin, m.ADCMax,
		m.Channels, m.Warnings, m.Faulted, m.Start.Format(timeFormat), end,
	); err != nil {
		scopeacq.ProblemLogger.Println("Error raised on AsyncInsert into sessions:", err)
		db.err = err
	}
}

func (db *Connection) handleSegmentMessages(msgs []*SegmentMessage) {
	for _, m := range msgs {
		if !db.IsConnected() {
			return
		}
		const nowait = false
		if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO segments VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
			m.SessionID, m.CaptureID, m.Segment, m.PreTrigger, m.PostTrigger, m.Timebase,
			m.Interval, m.RatioMode, m.Ratio, m.Returned, m.Overflow,
		); err != nil {
			scopeacq.ProblemLogger.Println("Error raised on AsyncInsert into segments:", err)
			db.err = err
		}
	}
}
