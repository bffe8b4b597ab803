package tui

import (
	"github.com/fentz26/parley/internal/controlplane"
	"github.com/fentz26/parley/internal/models"
)

// Screen modes.
const (
	modeList    = "list"
	modeDetail  = "detail"
	modeWorkers = "workers"
)

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type streamConnectedMsg struct {
	stream *Stream
}

type snapshotMsg struct {
	snap controlplane.Snapshot
}

type disconnectedMsg struct {
	err error
}

type reconnectMsg struct{}

// filters cycles the list through every status, starting with all tasks.
var filters = append([]models.TaskStatus{""}, models.AllStatuses...)

func filterName(s models.TaskStatus) string {
	if s == "" {
		return "ALL"
	}
	return statusLabel(s)
}
