// Package daqdb logs acquisition runs and output signals to a ClickHouse database.
package daqdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type dber interface {
	IsConnected() bool
	Disconnect()
	Wait()
	logActivity()
	handleConnection(<-chan struct{})
}

// DaqDBConnection is a connection to the database plus the goroutine that
// serializes inserts into it.
type DaqDBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	outputmsg     chan *OutputMessage
	sync.WaitGroup
}

var _ dber = (*DaqDBConnection)(nil)

const databaseName = "daqcore" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected tells whether the database can take entries.
func (db *DaqDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the first error seen on the connection.
func (db *DaqDBConnection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer checks that a server answers.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		if db.err != nil {
			return fmt.Errorf("database is not connected: %w", db.err)
		}
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects, logs the activity and serves inserts until abort
// is closed.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *DaqDBConnection {
	conn := createDBConnection()
	conn.activityEntry = activity
	conn.logActivity()
	if conn.IsConnected() {
		go conn.handleConnection(abort)
	}
	return conn
}

// DummyDBConnection returns a connection that silently drops every entry.
func DummyDBConnection() *DaqDBConnection {
	return &DaqDBConnection{}
}

func createDBConnection() *DaqDBConnection {
	db := &DaqDBConnection{}
	dbUser := os.Getenv("DAQCORE_DB_USER")
	dbPass := os.Getenv("DAQCORE_DB_PASSWORD")
	dbAddr := os.Getenv("DAQCORE_DB_ADDR")
	if dbAddr == "" {
		dbAddr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "daqcore", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{dbAddr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.Add(1)
	db.runmsg = make(chan *RunMessage)
	db.outputmsg = make(chan *OutputMessage)
	return db
}

func (db *DaqDBConnection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO daqactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into daqactivity ", err)
		db.err = err
	}
}

func (db *DaqDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case omsg := <-db.outputmsg:
			db.handleOutputMessage(omsg)
		}
	}
}

// Disconnect records the end of the activity.
func (db *DaqDBConnection) Disconnect() {
	if db.IsConnected() && db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordRun stores the start of a run. It blocks until the insert goroutine
// takes the message, so that outputs of the run are never entered before it.
func (db *DaqDBConnection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stores the end of a run.
func (db *DaqDBConnection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordOutput stores one output signal.
func (db *DaqDBConnection) RecordOutput(msg *OutputMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.outputmsg <- msg }()
}

func (db *DaqDBConnection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO acqruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.Kind, m.SyncMode, m.Devices,
		m.Nchannels, m.SampleRate, m.Continuous, m.Duration,
		m.Start.Format(timeFormat), m.End.Format(timeFormat), m.Error,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into acqruns ", err)
		db.err = err
	}
}

func (db *DaqDBConnection) handleOutputMessage(m *OutputMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO outputs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.RunID, m.Trace, m.Device, m.Channel, m.SampleRate,
		m.Samples, m.Delay, m.Intensity, m.Level, m.Start.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into outputs ", err)
		db.err = err
	}
}
