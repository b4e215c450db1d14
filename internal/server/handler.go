package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/protocol"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/workflow"
)

// ResponseWriter lets different transports (WebSocket, bridge stream) send responses
type ResponseWriter interface {
	Send(msg interface{}) error
}

// Handler processes RPC messages against the workflow engine
type Handler struct {
	Library  *workflow.Library
	Store    workflow.ExecutionStore
	Emitter  *events.Emitter
	State    *state.Manager
	Runner   workflow.Runner
	Settings *config.Store
}

func NewHandler(lib *workflow.Library, store workflow.ExecutionStore, emitter *events.Emitter, stateMgr *state.Manager, runner workflow.Runner, settings *config.Store) *Handler {
	return &Handler{
		Library:  lib,
		Store:    store,
		Emitter:  emitter,
		State:    stateMgr,
		Runner:   runner,
		Settings: settings,
	}
}

// HandleMessage processes a single RPC message and writes the response
func (h *Handler) HandleMessage(msg protocol.RPCMessage, writer ResponseWriter) {
	switch msg.Type {
	case "workflow_list":
		h.handleWorkflowList(msg, writer)
	case "workflow_start":
		h.handleWorkflowStart(msg, writer)
	case "workflow_resume":
		h.handleWorkflowResume(msg, writer)
	case "workflow_cancel":
		h.handleWorkflowCancel(msg, writer)
	case "execution_state":
		h.handleExecutionState(msg, writer)
	case "execution_list":
		h.handleExecutionList(msg, writer)
	case "get_settings":
		h.handleGetSettings(msg, writer)
	default:
		h.sendError(msg, writer, "unknown message type: "+msg.Type)
	}
}

func (h *Handler) handleWorkflowList(msg protocol.RPCMessage, writer ResponseWriter) {
	type summary struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
	}

	workflows := h.Library.List()
	out := make([]summary, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, summary{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
			Steps:       len(wf.Steps),
		})
	}

	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "workflow_list",
		Payload: protocol.EncodeRPC(map[string]interface{}{"workflows": out}),
	})
}

func (h *Handler) handleWorkflowStart(msg protocol.RPCMessage, writer ResponseWriter) {
	var payload struct {
		WorkflowID string                 `json:"workflow_id"`
		Inputs     map[string]interface{} `json:"inputs,omitempty"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.sendError(msg, writer, "invalid payload: "+err.Error())
		return
	}

	wf, ok := h.Library.Get(payload.WorkflowID)
	if !ok {
		h.sendError(msg, writer, "workflow not found: "+payload.WorkflowID)
		return
	}

	ex := workflow.NewExecutor(wf, h.Runner, h.Store, h.Emitter, payload.Inputs)
	execCtx := ex.Context()
	h.State.Register(execCtx.ExecutionID, ex)

	go func() {
		if err := ex.Start(context.Background()); err != nil {
			log.Printf("[Server] Execution %s failed: %v", execCtx.ExecutionID, err)
		}
	}()

	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "workflow_started",
		Payload: protocol.EncodeRPC(map[string]string{"execution_id": execCtx.ExecutionID}),
	})
}

func (h *Handler) handleWorkflowResume(msg protocol.RPCMessage, writer ResponseWriter) {
	var payload struct {
		ExecutionID string `json:"execution_id"`
		Input       string `json:"input"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.sendError(msg, writer, "invalid payload: "+err.Error())
		return
	}

	ex, ok := h.State.Get(payload.ExecutionID)
	if !ok {
		h.sendError(msg, writer, "execution not found: "+payload.ExecutionID)
		return
	}

	h.State.ClearWaiting(payload.ExecutionID)
	input := payload.Input
	go func() {
		if err := ex.Resume(context.Background(), input); err != nil {
			log.Printf("[Server] Resume %s failed: %v", payload.ExecutionID, err)
		}
	}()

	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "workflow_resumed",
		Payload: protocol.EncodeRPC(map[string]string{"execution_id": payload.ExecutionID}),
	})
}

func (h *Handler) handleWorkflowCancel(msg protocol.RPCMessage, writer ResponseWriter) {
	var payload struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.sendError(msg, writer, "invalid payload: "+err.Error())
		return
	}

	ex, ok := h.State.Get(payload.ExecutionID)
	if !ok {
		h.sendError(msg, writer, "execution not found: "+payload.ExecutionID)
		return
	}

	ex.Cancel()
	h.State.Remove(payload.ExecutionID)

	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "workflow_cancelled",
		Payload: protocol.EncodeRPC(map[string]string{"execution_id": payload.ExecutionID}),
	})
}

func (h *Handler) handleExecutionState(msg protocol.RPCMessage, writer ResponseWriter) {
	var payload struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.sendError(msg, writer, "invalid payload: "+err.Error())
		return
	}

	// Live executors are authoritative; fall back to the store for
	// executions from earlier processes
	if ex, ok := h.State.Get(payload.ExecutionID); ok {
		execCtx := ex.Context()
		writer.Send(protocol.RPCMessage{
			ID:      msg.ID,
			Type:    "execution_state",
			Payload: protocol.EncodeRPC(execCtx),
		})
		return
	}

	execCtx, err := h.Store.Load(payload.ExecutionID)
	if err != nil {
		h.sendError(msg, writer, err.Error())
		return
	}
	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "execution_state",
		Payload: protocol.EncodeRPC(execCtx),
	})
}

func (h *Handler) handleExecutionList(msg protocol.RPCMessage, writer ResponseWriter) {
	executions, err := h.Store.List()
	if err != nil {
		h.sendError(msg, writer, err.Error())
		return
	}

	type summary struct {
		ExecutionID string          `json:"execution_id"`
		WorkflowID  string          `json:"workflow_id"`
		Status      workflow.Status `json:"status"`
		CurrentStep string          `json:"current_step,omitempty"`
	}
	out := make([]summary, 0, len(executions))
	for _, execCtx := range executions {
		out = append(out, summary{
			ExecutionID: execCtx.ExecutionID,
			WorkflowID:  execCtx.WorkflowID,
			Status:      execCtx.Status,
			CurrentStep: execCtx.CurrentStepID,
		})
	}

	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "execution_list",
		Payload: protocol.EncodeRPC(map[string]interface{}{"executions": out}),
	})
}

func (h *Handler) handleGetSettings(msg protocol.RPCMessage, writer ResponseWriter) {
	if h.Settings == nil {
		h.sendError(msg, writer, "settings store not available")
		return
	}

	settings := h.Settings.Get()
	settings.Provider.APIKey = "" // Never expose keys over the wire
	settings.Provider.APIKeys = nil

	writer.Send(protocol.RPCMessage{
		ID:      msg.ID,
		Type:    "settings",
		Payload: protocol.EncodeRPC(settings),
	})
}

func (h *Handler) sendError(msg protocol.RPCMessage, writer ResponseWriter, errMsg string) {
	writer.Send(protocol.RPCMessage{
		ID:    msg.ID,
		Type:  "error",
		Error: errMsg,
	})
}
