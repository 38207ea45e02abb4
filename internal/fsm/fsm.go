// Package fsm keeps per-account conversation state: the current step of a
// multi-step dialogue and the scratch data collected so far. State lives in
// a Storage so a dialogue survives a process restart.
package fsm

import (
	"context"
	"encoding/json"
	"fmt"
)

type State string

// None means no dialogue is active.
const None State = ""

// Data is the scratch mapping of a dialogue. After a round trip through
// storage values are JSON-decoded; use Decode for typed access.
type Data map[string]interface{}

// Decode unmarshals the value stored under key into v. It reports false
// when the key is absent.
func (d Data) Decode(key string, v interface{}) (bool, error) {
	raw, ok := d[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false, fmt.Errorf("fsm: encode %q: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("fsm: decode %q: %w", key, err)
	}
	return true, nil
}

func (d Data) Uint(key string) (uint, bool) {
	var v uint
	ok, err := d.Decode(key, &v)
	return v, ok && err == nil
}

func (d Data) String(key string) (string, bool) {
	var v string
	ok, err := d.Decode(key, &v)
	return v, ok && err == nil
}

func encode(d Data) ([]byte, error) {
	if d == nil {
		d = Data{}
	}
	return json.Marshal(d)
}

func decode(b []byte) (Data, error) {
	d := Data{}
	if len(b) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Storage persists one state pointer and one scratch mapping per account.
// Load returns None and empty data for an account with no dialogue.
type Storage interface {
	Load(ctx context.Context, accountID int64) (State, Data, error)
	Save(ctx context.Context, accountID int64, state State, data Data) error
	Delete(ctx context.Context, accountID int64) error
}

type Machine struct {
	storage Storage
}

func New(storage Storage) *Machine {
	return &Machine{storage: storage}
}

// For returns the state handle of one account. Handles are cheap; callers
// must serialize steps per account themselves.
func (m *Machine) For(accountID int64) *Context {
	return &Context{storage: m.storage, accountID: accountID}
}

type Context struct {
	storage   Storage
	accountID int64
}

func (c *Context) AccountID() int64 { return c.accountID }

func (c *Context) Current(ctx context.Context) (State, error) {
	state, _, err := c.storage.Load(ctx, c.accountID)
	return state, err
}

// SetState moves to a new step. Scratch data is kept: later steps read
// what earlier steps collected.
func (c *Context) SetState(ctx context.Context, state State) error {
	_, data, err := c.storage.Load(ctx, c.accountID)
	if err != nil {
		return err
	}
	return c.storage.Save(ctx, c.accountID, state, data)
}

func (c *Context) Data(ctx context.Context) (Data, error) {
	_, data, err := c.storage.Load(ctx, c.accountID)
	return data, err
}

// Update merges patch into the scratch data. Keys not in patch are kept.
func (c *Context) Update(ctx context.Context, patch Data) error {
	state, data, err := c.storage.Load(ctx, c.accountID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		data[k] = v
	}
	return c.storage.Save(ctx, c.accountID, state, data)
}

// Transition merges patch and moves to state in one write.
func (c *Context) Transition(ctx context.Context, state State, patch Data) error {
	_, data, err := c.storage.Load(ctx, c.accountID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		data[k] = v
	}
	return c.storage.Save(ctx, c.accountID, state, data)
}

// Finish clears both the state pointer and the scratch data.
func (c *Context) Finish(ctx context.Context) error {
	return c.storage.Delete(ctx, c.accountID)
}
