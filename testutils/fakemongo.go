package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/couchbase/devcluster/common/mongoadmin"
	"go.mongodb.org/mongo-driver/bson"
)

var ErrFakeUnreachable = errors.New("fake mongo: connection refused")

type RecordedCommand struct {
	Addr string
	Name string
	Cmd  bson.D
}

// CommandHandler answers one admin command.  attempt counts the commands of
// the same name sent to the same address, starting at 1.
type CommandHandler func(addr string, cmd bson.D, attempt int) (bson.M, error)

// FakeMongo is an in-memory mongoadmin.Connector.  Every address is
// reachable and every command succeeds with {ok: 1} unless configured
// otherwise.  replSetGetStatus reports a primary by default.
type FakeMongo struct {
	lock        sync.Mutex
	unreachable map[string]int
	pings       map[string]int
	handlers    map[string]CommandHandler
	attempts    map[string]int
	commands    []RecordedCommand
}

var _ mongoadmin.Connector = (*FakeMongo)(nil)

func NewFakeMongo() *FakeMongo {
	return &FakeMongo{
		unreachable: make(map[string]int),
		pings:       make(map[string]int),
		handlers:    make(map[string]CommandHandler),
		attempts:    make(map[string]int),
	}
}

// SetUnreachable makes the first failures pings to addr fail.  A negative
// count makes addr unreachable forever.
func (f *FakeMongo) SetUnreachable(addr string, failures int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unreachable[addr] = failures
}

func (f *FakeMongo) OnCommand(name string, handler CommandHandler) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.handlers[name] = handler
}

func (f *FakeMongo) Pings(addr string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pings[addr]
}

func (f *FakeMongo) Commands() []RecordedCommand {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]RecordedCommand(nil), f.commands...)
}

func (f *FakeMongo) CommandsNamed(name string) []RecordedCommand {
	var out []RecordedCommand
	for _, cmd := range f.Commands() {
		if cmd.Name == name {
			out = append(out, cmd)
		}
	}
	return out
}

func (f *FakeMongo) Connect(ctx context.Context, addr string) (mongoadmin.Session, error) {
	return &fakeSession{mongo: f, addr: addr}, nil
}

func (f *FakeMongo) ping(addr string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.pings[addr]++
	failures, ok := f.unreachable[addr]
	if ok && (failures < 0 || f.pings[addr] <= failures) {
		return ErrFakeUnreachable
	}
	return nil
}

func (f *FakeMongo) runCommand(addr string, cmd bson.D) (bson.M, error) {
	f.lock.Lock()
	name := ""
	if len(cmd) > 0 {
		name = cmd[0].Key
	}
	f.commands = append(f.commands, RecordedCommand{Addr: addr, Name: name, Cmd: cmd})
	f.attempts[addr+"/"+name]++
	attempt := f.attempts[addr+"/"+name]
	handler := f.handlers[name]
	f.lock.Unlock()

	if handler != nil {
		return handler(addr, cmd, attempt)
	}

	if name == "replSetGetStatus" {
		return bson.M{
			"ok": 1,
			"members": bson.A{
				bson.M{"_id": 0, "name": addr, "state": 1, "stateStr": "PRIMARY"},
			},
		}, nil
	}
	return bson.M{"ok": 1}, nil
}

type fakeSession struct {
	mongo *FakeMongo
	addr  string
}

func (s *fakeSession) Ping(ctx context.Context) error {
	return s.mongo.ping(s.addr)
}

func (s *fakeSession) RunCommand(ctx context.Context, cmd bson.D, result interface{}) error {
	reply, err := s.mongo.runCommand(s.addr, cmd)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	data, err := bson.Marshal(reply)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, result)
}

func (s *fakeSession) Close(ctx context.Context) error {
	return nil
}
