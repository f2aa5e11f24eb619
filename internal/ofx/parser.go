// Package ofx reads bank and credit card exports and turns them into
// classification requests.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"

	"github.com/Veraticus/tally/internal/model"
)

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	// Opening tags at the end of a line that lost their closing bracket.
	tagFixRegex = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Entry is one statement line ready to be classified.
type Entry struct {
	Date        time.Time
	FITID       string
	AccountID   string
	Type        string
	Description string
	// Amount is positive for money leaving the account.
	Amount float64
}

// Request converts the entry into a classification request.
func (e Entry) Request() model.ClassifyRequest {
	date, amount := e.Date, e.Amount
	req := model.ClassifyRequest{Description: e.Description, Amount: &amount}
	if !date.IsZero() {
		req.Date = &date
	}
	return req
}

// Option configures a Parser.
type Option func(*Parser)

// WithCredits keeps deposits and refunds, which are skipped by default.
func WithCredits() Option {
	return func(p *Parser) { p.includeCredits = true }
}

// Parser implements OFX/QFX file parsing.
type Parser struct {
	includeCredits bool
}

// NewParser creates a new OFX parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// preprocessOFX fixes common formatting issues in OFX files.
func (p *Parser) preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

func (p *Parser) parse(reader io.Reader) (*ofxgo.Response, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}
	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}
	return resp, nil
}

// ParseFile parses an OFX/QFX file. Entries come back in statement order;
// a FITID repeated within an account is kept once.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]Entry, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	var (
		entries            []Entry
		bankStmts, ccStmts int
		skipped            int
	)
	seen := make(map[string]bool)
	add := func(accountID string, list *ofxgo.TransactionList) error {
		if list == nil {
			return nil
		}
		for _, tx := range list.Transactions {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, ok := p.convertTransaction(tx, accountID)
			key := accountID + "\x00" + entry.FITID
			if !ok || (entry.FITID != "" && seen[key]) {
				skipped++
				continue
			}
			seen[key] = true
			entries = append(entries, entry)
		}
		return nil
	}

	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok {
			bankStmts++
			if err := add(string(stmt.BankAcctFrom.AcctID), stmt.BankTranList); err != nil {
				return nil, err
			}
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok {
			ccStmts++
			if err := add(string(stmt.CCAcctFrom.AcctID), stmt.BankTranList); err != nil {
				return nil, err
			}
		}
	}

	slog.Info("Parsed OFX file",
		"entries", len(entries),
		"skipped", skipped,
		"bank_statements", bankStmts,
		"cc_statements", ccStmts)

	return entries, nil
}

// convertTransaction reports false for lines that should not be classified.
func (p *Parser) convertTransaction(tx ofxgo.Transaction, accountID string) (Entry, bool) {
	// OFX uses negative amounts for debits.
	amount, _ := tx.TrnAmt.Float64()
	entry := Entry{
		Date:        tx.DtPosted.Time,
		FITID:       string(tx.FiTID),
		AccountID:   accountID,
		Type:        fmt.Sprintf("%v", tx.TrnType),
		Description: extractDescription(tx),
		Amount:      -amount,
	}
	if entry.Description == "" {
		return entry, false
	}
	if entry.Amount <= 0 {
		if !p.includeCredits {
			return entry, false
		}
		entry.Amount = -entry.Amount
	}
	return entry, true
}

// extractDescription prefers the payee, then NAME, then MEMO when NAME is
// only a generic label.
func extractDescription(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}
	name := strings.TrimSpace(string(tx.Name))
	if memo := strings.TrimSpace(string(tx.Memo)); memo != "" && (name == "" || isGenericDescription(name)) {
		return memo
	}
	return name
}

func isGenericDescription(name string) bool {
	switch strings.ToUpper(name) {
	case "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}

// Accounts lists the account IDs present in the file, sorted.
func (p *Parser) Accounts(reader io.Reader) ([]string, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	accountMap := make(map[string]bool)
	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok && stmt.BankAcctFrom.AcctID != "" {
			accountMap[string(stmt.BankAcctFrom.AcctID)] = true
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok && stmt.CCAcctFrom.AcctID != "" {
			accountMap[string(stmt.CCAcctFrom.AcctID)] = true
		}
	}

	accounts := make([]string, 0, len(accountMap))
	for acct := range accountMap {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)
	return accounts, nil
}
