// Snapback speaks the Redis protocol so thin clients (browser extensions, server side renderers) can cache and
// restore page snapshots remotely. Every connection behaves as one browser tab: VISIT navigates it, which restores
// the page from a fresh snapshot, and CACHE captures what the client is showing before it leaves.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/nobletooth/snapback/pkg/scan"
	"github.com/nobletooth/snapback/pkg/snapshot"
	"github.com/tidwall/redcon"
)

const (
	RedisOk = "OK"
	// RedisSkipped answers a CACHE that stored nothing because caching is unsupported on the tab.
	RedisSkipped = "SKIPPED"
	// tabSelector selects the single cached element of a connection's tab.
	tabSelector = "body"
)

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       *string  // Writes a bulk string if set.
	writeArray      []string // Writes an array of bulk strings if non-nil.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisBool(b bool) redisOutput {
	if b {
		return writeRedisInt(1)
	}
	return writeRedisInt(0)
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgs(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// write sends the output to the connection.
func (o redisOutput) write(conn redcon.Conn) {
	switch {
	case o.err != nil:
		conn.WriteError(*o.err)
	case o.writeNil:
		conn.WriteNull()
	case o.writeInt != nil:
		conn.WriteInt(*o.writeInt)
	case o.writeBulk != nil:
		conn.WriteBulkString(*o.writeBulk)
	case o.writeArray != nil:
		conn.WriteArray(len(o.writeArray))
		for _, item := range o.writeArray {
			conn.WriteBulkString(item)
		}
	default:
		conn.WriteString(o.writeString)
	}
}

// tabSession is the per-connection state: the namespace in use and the tab the client is looking at.
type tabSession struct {
	namespace  string // Empty until the first command picks --default_namespace.
	tab        *snapshot.Tab
	loop       *snapshot.TaskQueue
	controller *snapshot.Controller // nil until the first VISIT.
}

func newTabSession() *tabSession {
	tab := snapshot.NewTab("")
	tab.AddElement(tabSelector, "")
	return &tabSession{tab: tab, loop: new(snapshot.TaskQueue)}
}

type redisHandler struct {
	storage *SnapshotStorage // Commands from all connections run one at a time under its lock.
	codec   snapshot.Codec
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(storage *SnapshotStorage) (*redisHandler, error) {
	if storage == nil {
		return nil, errors.New("expected a non-nil storage")
	}
	return &redisHandler{storage: storage}, nil
}

func (rh *redisHandler) handle(session *tabSession, cmd redisCommand) redisOutput {
	var output redisOutput
	rh.storage.Exclusive(func() { output = rh.handleExclusive(session, cmd) })
	return output
}

// handleExclusive runs `cmd`; flags are only read here, under the storage lock.
func (rh *redisHandler) handleExclusive(session *tabSession, cmd redisCommand) redisOutput {
	if session.namespace == "" {
		session.namespace = *defaultNamespace
	}

	switch cmd.command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "NAMESPACE":
		if len(cmd.args) != 1 {
			return wrongArgs(cmd.command)
		}
		if _, err := rh.storage.Store(cmd.args[0]); err != nil {
			return writeRedisError(err)
		}
		session.namespace = cmd.args[0]
		session.controller = nil // The tab has to visit a page of the new namespace.
		return writeRedisString(RedisOk)
	case "VISIT":
		if len(cmd.args) != 1 {
			return wrongArgs(cmd.command)
		}
		return rh.visit(session, cmd.args[0])
	case "CACHE":
		if len(cmd.args) != 4 {
			return wrongArgs(cmd.command)
		}
		return rh.cachePage(session, cmd.args)
	case "FRESH":
		if session.controller == nil {
			return writeRedisBool(false)
		}
		return writeRedisBool(session.controller.WillUseCacheOnThisPage())
	case "ENABLE", "DISABLE":
		if session.controller == nil {
			return writeRedisError(errors.New("no page visited on this connection"))
		}
		if cmd.command == "ENABLE" {
			session.controller.Enable()
		} else {
			session.controller.Disable()
		}
		return writeRedisString(RedisOk)
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArgs(cmd.command)
		}
		store, err := rh.storage.Store(session.namespace)
		if err != nil {
			return writeRedisError(err)
		}
		snap, found := store.Get(cmd.args[0])
		if !found {
			return writeRedisNil()
		}
		return rh.writeSnapshot(snap)
	case "SET":
		if len(cmd.args) != 2 {
			return wrongArgs(cmd.command)
		}
		snap, err := rh.codec.Decode(cmd.args[1])
		if err != nil {
			return writeRedisError(err)
		}
		store, err := rh.storage.Store(session.namespace)
		if err != nil {
			return writeRedisError(err)
		}
		if err := store.Set(cmd.args[0], snap); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArgs(cmd.command)
		}
		store, err := rh.storage.Store(session.namespace)
		if err != nil {
			return writeRedisError(err)
		}
		deletedCount := 0
		for _, key := range cmd.args {
			if store.Contains(key) {
				deletedCount++
			}
			store.Delete(key)
		}
		return writeRedisInt(deletedCount)
	case "LEN":
		store, err := rh.storage.Store(session.namespace)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(store.Len())
	case "KEYS":
		if len(cmd.args) > 1 {
			return wrongArgs(cmd.command)
		}
		store, err := rh.storage.Store(session.namespace)
		if err != nil {
			return writeRedisError(err)
		}
		if len(cmd.args) == 0 {
			return writeRedisArray(store.Keys())
		}
		return writeRedisArray(slices.Collect(scan.MatchGlob(cmd.args[0], slices.Values(store.Keys()))))
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// visit navigates the session's tab to `location` and loads the page, restoring it from a fresh snapshot.
// The restored snapshot is returned; nil if the page wasn't cached.
func (rh *redisHandler) visit(session *tabSession, location string) redisOutput {
	store, err := rh.storage.Store(session.namespace)
	if err != nil {
		return writeRedisError(err)
	}
	session.tab.Navigate(location)
	var restored *snapshot.Snapshot
	controller, err := snapshot.New(snapshot.Options{
		ContentSelector: tabSelector,
		Host:            session.tab,
		Store:           store,
		FreshnessWindow: *freshnessWindow,
		Scheduler:       session.loop,
		OnLoaded:        func(e snapshot.Event) { restored = e.Cache },
	})
	if err != nil {
		return writeRedisError(err)
	}
	session.controller = controller
	session.loop.RunPending() // Apply the scroll restoration before answering.

	if restored == nil {
		return writeRedisNil()
	}
	return rh.writeSnapshot(*restored)
}

// cachePage renders the client's page into the session's tab and caches it.
// Args are: title, x, y, body.
func (rh *redisHandler) cachePage(session *tabSession, args []string) redisOutput {
	if session.controller == nil {
		return writeRedisError(errors.New("no page visited on this connection"))
	}
	x, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return writeRedisError(fmt.Errorf("invalid x scroll offset: %w", err))
	}
	y, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return writeRedisError(fmt.Errorf("invalid y scroll offset: %w", err))
	}

	session.tab.SetTitle(args[0])
	session.tab.ScrollTo(x, y)
	if surface, found := session.tab.Surface(tabSelector); found {
		surface.SetContent(args[3])
	}
	cached := false
	session.controller.CachePage(func(snap *snapshot.Snapshot) { cached = snap != nil })
	if !cached {
		return writeRedisString(RedisSkipped)
	}
	return writeRedisString(RedisOk)
}

func (rh *redisHandler) writeSnapshot(snap snapshot.Snapshot) redisOutput {
	encoded, err := rh.codec.Encode(snap)
	if err != nil {
		return writeRedisError(err)
	}
	return writeRedisBulk(encoded)
}

// toRedisCommand converts redcon.Command to redisCommand; command names are case-insensitive.
func toRedisCommand(cmd redcon.Command) redisCommand {
	command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
	for i := 1; i < len(cmd.Args); i++ {
		command.args[i-1] = string(cmd.Args[i])
	}
	return command
}

// serveConn handles one command of a connection.
func (rh *redisHandler) serveConn(conn redcon.Conn, cmd redcon.Command) {
	session, ok := conn.Context().(*tabSession)
	if !ok { // Accept always sets a session; be lenient with connections that skipped it.
		session = newTabSession()
		conn.SetContext(session)
	}
	output := rh.handle(session, toRedisCommand(cmd))
	output.write(conn)
	if output.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "error", err)
		}
	}
}

// RunRedisServer starts a Redis protocol server over the provided snapshot storage and blocks until `ctx` is
// cancelled or the server fails.
func RunRedisServer(ctx context.Context, storage *SnapshotStorage) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(storage)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ redisHandler.serveConn,
		/*accept*/ func(conn redcon.Conn) bool {
			conn.SetContext(newTabSession())
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		slog.Info("Serving snapshots over the Redis protocol.", "address", *address)
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close snapback: %w", err)
		}
	case err, ok := <-serverErrSignal:
		if ok && err != nil {
			return fmt.Errorf("redis server stopped unexpectedly: %w", err)
		}
		return errors.New("redis server stopped unexpectedly")
	}

	return nil // Exited with no errors.
}
