package sensors

import (
	"github.com/resetprep/resetprep/internal/model"
)

// FakeSensors is a configurable Sensors implementation shared by tests and
// the demo command.
type FakeSensors struct {
	Installed     bool
	Accounts      map[string][]model.AccountInfo
	Paused        map[string]bool
	SyncedFolders map[string][]string
	Running       map[string]bool
}

// NewFakeSensors creates a fake with an installed, running client and no
// configured accounts.
func NewFakeSensors() *FakeSensors {
	return &FakeSensors{
		Installed:     true,
		Accounts:      make(map[string][]model.AccountInfo),
		Paused:        make(map[string]bool),
		SyncedFolders: make(map[string][]string),
		Running:       make(map[string]bool),
	}
}

func (f *FakeSensors) IsSyncClientInstalled() bool {
	return f.Installed
}

func (f *FakeSensors) GetUserAccounts(userID string) ([]model.AccountInfo, error) {
	return f.Accounts[userID], nil
}

func (f *FakeSensors) IsSyncPaused(userID string) bool {
	return f.Paused[userID]
}

func (f *FakeSensors) GetSyncedFolders(userID string) ([]string, error) {
	return f.SyncedFolders[userID], nil
}

func (f *FakeSensors) IsProcessRunningForUser(userID string) bool {
	return f.Running[userID]
}

var _ Sensors = (*FakeSensors)(nil)
