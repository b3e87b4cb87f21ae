// Package capturedb records daemon activity and capture runs in a
// ClickHouse database. The database is strictly optional: when no server is
// reachable, every Record* call is a silent no-op so capture proceeds
// unencumbered.
package capturedb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "cxsdr" // official SQL name of the database

// Connection owns the ClickHouse connection and serializes run messages
// onto it from a single goroutine.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *CaptureRunMessage
	sync.WaitGroup
}

// IsConnected reports whether the database is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable and prints its
// version.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// Start opens the database connection, logs the activity entry, and starts
// the handler goroutine. The returned Connection is usable (as a no-op)
// even if the server is unreachable.
func Start(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// Dummy returns a never-connected Connection for tests and for runs with
// the database disabled. Wait returns immediately on it.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection() *Connection {
	db := &Connection{}
	opt := clickhouse.Options{
		Addr: []string{"localhost:9000"},
		Auth: clickhouse.Auth{
			Database: databaseName,
			Username: os.Getenv("CXSDR_DB_USER"),
			Password: os.Getenv("CXSDR_DB_PASSWORD"),
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "cxsdr", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.runmsg = make(chan *CaptureRunMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO cxsdractivity VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into cxsdractivity ", err)
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
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		}
	}
}

// Disconnect finalizes the activity entry with the current time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordCaptureRun stores a run message in the DB (if it's open). It blocks
// until the handler accepts the message, so a run is entered before any
// later updates to it can race ahead.
func (db *Connection) RecordCaptureRun(msg *CaptureRunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishCaptureRun timestamps the run's end and re-records it.
func (db *Connection) FinishCaptureRun(msg *CaptureRunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

func (db *Connection) handleRunMessage(m *CaptureRunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO captureruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.DaemonID, m.Source, m.Rate, m.Input, m.Gain,
		m.PageCount, m.PageSize, m.ChunkBytes, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into captureruns ", err)
		db.err = err
	}
}
