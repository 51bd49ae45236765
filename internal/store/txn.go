package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	maxFailureQueryLen = 120
	maxFailureArgsLen  = 200
)

// InstrKind distinguishes read from write instructions.
type InstrKind int

const (
	// InstrWrite executes the statement and accumulates affected rows.
	InstrWrite InstrKind = iota
	// InstrRead queries rows and accumulates them into the outcome.
	InstrRead
)

// Instruction is one statement executed inside a Commit transaction.
type Instruction struct {
	Kind  InstrKind
	Query string
	Args  []any
}

// Read builds a read instruction.
func Read(query string, args ...any) Instruction {
	return Instruction{Kind: InstrRead, Query: query, Args: args}
}

// Write builds a write instruction.
func Write(query string, args ...any) Instruction {
	return Instruction{Kind: InstrWrite, Query: query, Args: args}
}

// InstructionFailure describes the instruction that aborted a Commit.
// Query and Args are truncated so diagnostics never leak unbounded
// statement text.
type InstructionFailure struct {
	Index int
	Query string
	Args  string
	Err   error
}

func (f *InstructionFailure) Error() string {
	return fmt.Sprintf("instruction %d failed: %v (query %q, args %s)", f.Index, f.Err, f.Query, f.Args)
}

func (f *InstructionFailure) Unwrap() error { return f.Err }

// Outcome is the discriminated result of a Commit: either the
// accumulated reads/writes of a committed transaction, or a Failure
// plus how much work had succeeded before the transaction rolled back.
type Outcome struct {
	// Rows accumulates every row returned by read instructions, in
	// instruction order, as column-name keyed maps.
	Rows []map[string]any
	// Reads counts successfully executed read instructions.
	Reads int
	// Writes sums affected rows over write instructions.
	Writes int64
	// Failure is non-nil when the transaction rolled back.
	Failure *InstructionFailure
}

// OK reports whether the transaction committed.
func (o Outcome) OK() bool { return o.Failure == nil }

// Commit runs every instruction in one transaction: all-or-nothing.
// Instruction failures are reported through the Outcome, never as a
// returned error; callers decide whether to escalate.
func (s *Store) Commit(ctx context.Context, instructions ...Instruction) Outcome {
	var out Outcome

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		out.Failure = &InstructionFailure{Index: -1, Query: "BEGIN", Err: err}
		return out
	}
	defer func() { _ = tx.Rollback() }()

	for i, instr := range instructions {
		switch instr.Kind {
		case InstrRead:
			rows, err := tx.QueryContext(ctx, instr.Query, instr.Args...)
			if err != nil {
				out.Failure = failInstruction(i, instr, err)
				return out
			}
			cols, err := rows.Columns()
			if err != nil {
				rows.Close()
				out.Failure = failInstruction(i, instr, err)
				return out
			}
			for rows.Next() {
				values := make([]any, len(cols))
				ptrs := make([]any, len(cols))
				for j := range values {
					ptrs[j] = &values[j]
				}
				if err := rows.Scan(ptrs...); err != nil {
					rows.Close()
					out.Failure = failInstruction(i, instr, err)
					return out
				}
				row := make(map[string]any, len(cols))
				for j, col := range cols {
					row[col] = values[j]
				}
				out.Rows = append(out.Rows, row)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				out.Failure = failInstruction(i, instr, err)
				return out
			}
			rows.Close()
			out.Reads++
		default:
			res, err := tx.ExecContext(ctx, instr.Query, instr.Args...)
			if err != nil {
				out.Failure = failInstruction(i, instr, err)
				return out
			}
			affected, err := res.RowsAffected()
			if err != nil {
				out.Failure = failInstruction(i, instr, err)
				return out
			}
			out.Writes += affected
		}
	}

	if err := tx.Commit(); err != nil {
		out.Failure = &InstructionFailure{Index: len(instructions), Query: "COMMIT", Err: err}
		return out
	}
	return out
}

func failInstruction(index int, instr Instruction, err error) *InstructionFailure {
	return &InstructionFailure{
		Index: index,
		Query: truncate(collapseSpace(instr.Query), maxFailureQueryLen),
		Args:  truncate(fmt.Sprintf("%v", instr.Args), maxFailureArgsLen),
		Err:   err,
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
