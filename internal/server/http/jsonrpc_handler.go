package http

import (
	"encoding/json"
	"net/http"

	"agentbridge/internal/domain/task"
)

// rpcRequest is the JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcTaskNotFound   = -32000
	rpcTaskNotCancel  = -32001
)

func writeRPCResult(w http.ResponseWriter, id any, result any) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id any, code int, msg string) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

// handleRPC dispatches a JSON-RPC 2.0 request to the appropriate method
// handler. Every well-formed request gets HTTP 200 with the outcome (or
// error) in the body, with one exception: when message/send or
// tasks/cancel fails authentication, the reply is the REST error response
// (401, 402 or 429 with the REST error body), not a JSON-RPC envelope.
func (d *Deps) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, rpcParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.ID == nil {
		writeRPCError(w, nil, rpcInvalidRequest, "Invalid Request")
		return
	}

	switch req.Method {
	case "message/send":
		d.rpcMessageSend(w, r, &req)
	case "tasks/get":
		d.rpcTasksGet(w, &req)
	case "tasks/cancel":
		d.rpcTasksCancel(w, r, &req)
	case "agent/describe":
		writeRPCResult(w, req.ID, d.Capability)
	case "agent/status":
		writeRPCResult(w, req.ID, map[string]any{"status": "ok", "agent": d.AgentName})
	default:
		writeRPCError(w, req.ID, rpcMethodNotFound, "Method not found")
	}
}

type a2aMessagePart struct {
	Text string `json:"text"`
}

type a2aMessage struct {
	Parts []a2aMessagePart `json:"parts"`
}

type sendMessageParams struct {
	Message  a2aMessage `json:"message"`
	Wait     bool       `json:"wait"`
	EscrowID string     `json:"escrowId"`
	TaskID   string     `json:"taskId"`
}

type a2aTaskStatus struct {
	State string `json:"state"`
}

type a2aTask struct {
	ID        string        `json:"id"`
	Status    a2aTaskStatus `json:"status"`
	Artifacts []string      `json:"artifacts,omitempty"`
}

func (d *Deps) rpcMessageSend(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var params sendMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, rpcInvalidParams, "Invalid params")
		return
	}
	var prompt string
	for _, p := range params.Message.Parts {
		if p.Text != "" {
			prompt = p.Text
			break
		}
	}
	if prompt == "" {
		writeRPCError(w, req.ID, rpcInvalidParams, "message must contain a text part")
		return
	}

	ident, stage, ok := d.authenticate(w, r)
	if !ok {
		return
	}

	t := task.Task{TaskID: params.TaskID, Prompt: prompt, EscrowID: params.EscrowID}
	if _, err := d.Service.Submit(r.Context(), &t, ident.ID, stage, clientIP(r)); err != nil {
		writeRPCError(w, req.ID, rpcInternalError, err.Error())
		return
	}

	result, done := d.Service.AwaitResult(t.TaskID, d.syncTimeout())
	state := "submitted"
	var artifacts []string
	if done {
		if result.Status == task.StatusCompleted {
			state = "completed"
			if result.Output != "" {
				artifacts = []string{result.Output}
			}
		} else {
			state = "failed"
		}
	}
	writeRPCResult(w, req.ID, a2aTask{ID: t.TaskID, Status: a2aTaskStatus{State: state}, Artifacts: artifacts})
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

func (d *Deps) rpcTasksGet(w http.ResponseWriter, req *rpcRequest) {
	var params taskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		writeRPCError(w, req.ID, rpcInvalidParams, "Invalid params")
		return
	}
	if _, _, pending := d.Service.Registry.GetPending(params.TaskID); pending {
		writeRPCResult(w, req.ID, map[string]any{"status": "running", "taskId": params.TaskID})
		return
	}
	result, fresh := d.Service.Registry.GetCompletedIfFresh(params.TaskID)
	if !fresh {
		writeRPCError(w, req.ID, rpcTaskNotFound, "task not found")
		return
	}
	writeRPCResult(w, req.ID, result)
}

func (d *Deps) rpcTasksCancel(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var params taskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		writeRPCError(w, req.ID, rpcInvalidParams, "Invalid params")
		return
	}
	ident, _, ok := d.authenticate(w, r)
	if !ok {
		return
	}
	_, owner, pending := d.Service.Registry.GetPending(params.TaskID)
	if !pending || !ownerMatches(ident.ID, r.Header.Get("x-client-did"), owner) {
		writeRPCError(w, req.ID, rpcTaskNotCancel, "task is not cancellable")
		return
	}
	if !d.Service.Registry.Cancel(params.TaskID) {
		writeRPCError(w, req.ID, rpcTaskNotCancel, "task is not cancellable")
		return
	}
	writeRPCResult(w, req.ID, map[string]any{"cancelled": true})
}
