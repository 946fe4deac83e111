package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/twinline-core/internal/alarm"
	"github.com/nerrad567/twinline-core/internal/command"
	"github.com/nerrad567/twinline-core/internal/equipment"
	"github.com/nerrad567/twinline-core/internal/telemetry"
	"github.com/nerrad567/twinline-core/internal/twin"
)

// Method names served by every reconciler.
const (
	MethodSendMessages    = "SendMessages"
	MethodEmergencyStop   = "EmergencyStop"
	MethodClearErrors     = "ClearErrors"
	MethodSetDeviceStatus = "SetDeviceStatus"
)

// maxMessages caps one SendMessages call.
const maxMessages = 1000

// SendMessagesPayload is the SendMessages argument.
type SendMessagesPayload struct {
	NrOfMessages int `json:"nrOfMessages"`
	Delay        int `json:"delay"`
}

// SetDeviceStatusPayload is the SetDeviceStatus argument.
type SetDeviceStatusPayload struct {
	IsRunning bool `json:"isRunning"`
}

func (r *Reconciler) commandTable() *command.Table {
	return command.NewTable(r.logger).
		Handle(MethodSendMessages, r.handleSendMessages).
		Handle(MethodEmergencyStop, r.handleEmergencyStop).
		Handle(MethodClearErrors, r.handleClearErrors).
		Handle(MethodSetDeviceStatus, r.handleSetDeviceStatus).
		Fallback(r.handleDefault)
}

// HandleCommand implements command.Target.
func (r *Reconciler) HandleCommand(ctx context.Context, method string, payload json.RawMessage) int {
	r.notice(ctx, telemetry.LevelInfo, "METHOD EXECUTED: "+method)
	status := r.table.Dispatch(ctx, method, payload)
	if status != command.StatusOK {
		r.logger.Warn("method failed", "method", method, "status", status)
	}
	return status
}

func (r *Reconciler) handleSendMessages(ctx context.Context, payload json.RawMessage) int {
	args := SendMessagesPayload{NrOfMessages: 1}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &args); err != nil {
			r.logger.Warn("decoding SendMessages payload", "error", err)
			return command.StatusFailed
		}
	}
	if args.NrOfMessages < 0 || args.NrOfMessages > maxMessages || args.Delay < 0 {
		r.logger.Warn("SendMessages arguments out of range", "messages", args.NrOfMessages, "delay", args.Delay)
		return command.StatusFailed
	}

	err := r.withLink(ctx, func(link equipment.Link) error {
		delay := time.Duration(args.Delay) * time.Millisecond
		for i := 0; i < args.NrOfMessages; i++ {
			if i > 0 && delay > 0 {
				if err := sleep(ctx, delay); err != nil {
					return err
				}
			}
			if err := r.sendMessage(ctx, link); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("SendMessages", "error", err)
		return command.StatusFailed
	}
	return command.StatusOK
}

func (r *Reconciler) handleEmergencyStop(ctx context.Context, _ json.RawMessage) int {
	return r.callAndFlag(ctx, equipment.MethodEmergencyStop, alarm.EmergencyStop, "STOP")
}

func (r *Reconciler) handleClearErrors(ctx context.Context, _ json.RawMessage) int {
	return r.callAndFlag(ctx, equipment.MethodResetErrorStatus, alarm.None, "Errors reset")
}

// callAndFlag invokes an equipment method and then applies an error flag.
func (r *Reconciler) callAndFlag(ctx context.Context, method string, flag alarm.Mask, done string) int {
	err := r.withLink(ctx, func(link equipment.Link) error {
		if err := link.Call(ctx, r.id.NodeName, r.tag(method)); err != nil {
			return fmt.Errorf("calling %s: %w", method, err)
		}
		return r.applyErrorFlag(ctx, link, flag)
	})
	if err != nil {
		r.logger.Error("equipment method failed", "method", method, "error", err)
		return command.StatusFailed
	}
	r.notice(ctx, telemetry.LevelInfo, done)
	return command.StatusOK
}

func (r *Reconciler) handleSetDeviceStatus(ctx context.Context, payload json.RawMessage) int {
	var args SetDeviceStatusPayload
	if err := json.Unmarshal(payload, &args); err != nil {
		r.notice(ctx, telemetry.LevelError, "Error setting device status: "+err.Error())
		return command.StatusFailed
	}
	status := equipment.StatusStopped
	if args.IsRunning {
		status = equipment.StatusRunning
	}

	err := r.withLink(ctx, func(link equipment.Link) error {
		if err := link.Write(ctx, r.tag(equipment.TagProductionStatus), status); err != nil {
			return fmt.Errorf("writing production status: %w", err)
		}
		return r.reportProperty(ctx, twin.PropProductionStatus, status)
	})
	if err != nil {
		r.notice(ctx, telemetry.LevelError, "Error setting device status: "+err.Error())
		return command.StatusFailed
	}
	r.notice(ctx, telemetry.LevelInfo, fmt.Sprintf("Set ProductionStatus to: %d", status))
	return command.StatusOK
}

func (r *Reconciler) handleDefault(ctx context.Context, _ json.RawMessage) int {
	if err := sleep(ctx, r.cfg.DefaultCommandDelay); err != nil {
		return command.StatusFailed
	}
	return command.StatusOK
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
