// Package lodestardb records acquisition metadata in a ClickHouse database.
package lodestardb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "lodestar" // official SQL name of the database

// NewID returns a fresh record ID. IDs sort lexicographically by creation
// time, so the tables read in order without an extra sort key.
func NewID() string {
	return ulid.Make().String()
}

// LodestarDBConnection feeds metadata records to ClickHouse from a single
// goroutine. When no server is reachable, every recording method is a no-op,
// so callers never need to care whether the database exists.
type LodestarDBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	filemsg       chan *FileMessage
	sync.WaitGroup
}

func (db *LodestarDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable and speaks to us.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		if db.err != nil {
			return db.err
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

// StartDBConnection connects, records the given activity entry, and launches
// the goroutine that owns all further inserts. Closing abort disconnects.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *LodestarDBConnection {
	conn := createDBConnection()
	conn.activityEntry = activity
	conn.logActivity()
	conn.Add(1)
	go conn.handleConnection(abort)
	return conn
}

// DummyDBConnection returns a connection on which every operation is a no-op.
func DummyDBConnection() *LodestarDBConnection {
	return &LodestarDBConnection{}
}

func createDBConnection() *LodestarDBConnection {
	db := &LodestarDBConnection{}
	addr := os.Getenv("LODESTAR_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("LODESTAR_DB_USER"),
		Password: os.Getenv("LODESTAR_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "lodestar", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		TLS:         nil,
		DialTimeout: 2 * time.Second,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	// Ping the server at the DB connection.
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.filemsg = make(chan *FileMessage)
	return db
}

func (db *LodestarDBConnection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lodestaractivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lodestaractivity ", err)
		db.err = err
	}
}

func (db *LodestarDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

// Disconnect closes out the activity entry with the present time.
func (db *LodestarDBConnection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordSession takes a SessionMessage and stores it in the DB (if it's open).
// This function will block until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a
// session is entered in the DB before any corresponding calls to `RecordFile`
// begin. Without the blocking, there would be a race between the 2 kinds of
// DB entries, and some files would be entered without valid session IDs.
func (db *LodestarDBConnection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession re-enters the session with its final counters and end time.
func (db *LodestarDBConnection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

// RecordFile stores one data file's entry in the DB (if it's open).
func (db *LodestarDBConnection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *LodestarDBConnection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.SourceName, m.OutputPath,
		m.Nchannels, m.RateHz, m.Ticks, m.Overruns, m.Faults,
		m.EndReason, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *LodestarDBConnection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Filename, m.Rows, m.Size, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into files ", err)
		db.err = err
	}
}
