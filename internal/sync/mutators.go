package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tradebook/api/internal/store"
)

var allowedTradeSides = map[string]struct{}{
	"LONG":  {},
	"SHORT": {},
}

var allowedContractTypes = map[string]struct{}{
	"CALL": {},
	"PUT":  {},
}

type deleteArgs struct {
	ID string `json:"id"`
}

func (e *Engine) registerDefaultMutators() {
	e.mutators["createStockTrade"] = mutateStockTrade
	e.mutators["updateStockTrade"] = mutateStockTrade
	e.mutators["deleteStockTrade"] = func(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error {
		id, err := decodeDeleteArgs(args)
		if err != nil {
			return err
		}
		if err := tx.DeleteStockTrade(ctx, spaceID, id, version); err != nil {
			return err
		}
		res.DeletedStockTradeIDs = append(res.DeletedStockTradeIDs, id)
		return nil
	}

	e.mutators["createOptionTrade"] = mutateOptionTrade
	e.mutators["updateOptionTrade"] = mutateOptionTrade
	e.mutators["deleteOptionTrade"] = func(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error {
		id, err := decodeDeleteArgs(args)
		if err != nil {
			return err
		}
		if err := tx.DeleteOptionTrade(ctx, spaceID, id, version); err != nil {
			return err
		}
		res.DeletedOptionTradeIDs = append(res.DeletedOptionTradeIDs, id)
		return nil
	}

	e.mutators["createNote"] = mutateNote
	e.mutators["updateNote"] = mutateNote
	e.mutators["deleteNote"] = func(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error {
		id, err := decodeDeleteArgs(args)
		if err != nil {
			return err
		}
		if err := tx.DeleteNote(ctx, spaceID, id, version); err != nil {
			return err
		}
		res.DeletedNoteIDs = append(res.DeletedNoteIDs, id)
		return nil
	}

	e.mutators["createPlaybook"] = mutatePlaybook
	e.mutators["updatePlaybook"] = mutatePlaybook
	e.mutators["deletePlaybook"] = func(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, _ *PushResult) error {
		id, err := decodeDeleteArgs(args)
		if err != nil {
			return err
		}
		return tx.DeletePlaybook(ctx, spaceID, id, version)
	}
}

func decodeDeleteArgs(args json.RawMessage) (string, error) {
	var parsed deleteArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMutationRejected, err)
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", fmt.Errorf("%w: id is required", ErrMutationRejected)
	}
	return parsed.ID, nil
}

// mutateStockTrade handles create and update identically: the row is replaced
// wholesale, so the last mutation applied wins.
func mutateStockTrade(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error {
	var item store.StockTrade
	if err := json.Unmarshal(args, &item); err != nil {
		return fmt.Errorf("%w: %v", ErrMutationRejected, err)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMutationRejected)
	}
	if strings.TrimSpace(item.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrMutationRejected)
	}
	if _, ok := allowedTradeSides[item.Side]; !ok {
		return fmt.Errorf("%w: side must be LONG or SHORT", ErrMutationRejected)
	}
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrMutationRejected)
	}
	item.SpaceID = spaceID
	item.Version = version
	if err := tx.UpsertStockTrade(ctx, item); err != nil {
		return err
	}
	res.ChangedStockTrades = append(res.ChangedStockTrades, item)
	return nil
}

func mutateOptionTrade(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error {
	var item store.OptionTrade
	if err := json.Unmarshal(args, &item); err != nil {
		return fmt.Errorf("%w: %v", ErrMutationRejected, err)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMutationRejected)
	}
	if strings.TrimSpace(item.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrMutationRejected)
	}
	if _, ok := allowedContractTypes[item.ContractType]; !ok {
		return fmt.Errorf("%w: contractType must be CALL or PUT", ErrMutationRejected)
	}
	if _, ok := allowedTradeSides[item.Side]; !ok {
		return fmt.Errorf("%w: side must be LONG or SHORT", ErrMutationRejected)
	}
	if item.Contracts <= 0 {
		return fmt.Errorf("%w: contracts must be positive", ErrMutationRejected)
	}
	item.SpaceID = spaceID
	item.Version = version
	if err := tx.UpsertOptionTrade(ctx, item); err != nil {
		return err
	}
	res.ChangedOptionTrades = append(res.ChangedOptionTrades, item)
	return nil
}

func mutateNote(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error {
	var item store.Note
	if err := json.Unmarshal(args, &item); err != nil {
		return fmt.Errorf("%w: %v", ErrMutationRejected, err)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMutationRejected)
	}
	if strings.TrimSpace(item.DateKey) == "" {
		return fmt.Errorf("%w: dateKey is required", ErrMutationRejected)
	}
	item.SpaceID = spaceID
	item.Version = version
	if err := tx.UpsertNote(ctx, item); err != nil {
		return err
	}
	res.ChangedNotes = append(res.ChangedNotes, item)
	return nil
}

func mutatePlaybook(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, _ *PushResult) error {
	var item store.Playbook
	if err := json.Unmarshal(args, &item); err != nil {
		return fmt.Errorf("%w: %v", ErrMutationRejected, err)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMutationRejected)
	}
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrMutationRejected)
	}
	item.SpaceID = spaceID
	item.Version = version
	return tx.UpsertPlaybook(ctx, item)
}
