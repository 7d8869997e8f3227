package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"stockdesk/internal/domain"
	"stockdesk/internal/sales"
	"stockdesk/internal/store"
	"stockdesk/internal/xid"
)

// billSession pairs an open bill with the lock serializing edits to it.
type billSession struct {
	mu   sync.Mutex
	bill *sales.Bill
}

func (s *Service) OpenBill(ctx context.Context, req domain.BillOpenRequest) (domain.BillView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.BillView{}, err
	}
	if req.Customer != nil {
		if err := s.validateStruct(req.Customer); err != nil {
			return domain.BillView{}, err
		}
	}

	bill := sales.NewBill(xid.New("bill"), actor.Username, req.Customer, s.repo, s.now().UTC())

	s.billsMu.Lock()
	s.bills[bill.ID] = &billSession{bill: bill}
	s.billsMu.Unlock()

	return bill.View(), nil
}

func (s *Service) GetBill(ctx context.Context, billID string) (domain.BillView, error) {
	session, err := s.session(ctx, billID)
	if err != nil {
		return domain.BillView{}, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.bill.View(), nil
}

func (s *Service) AddBillLine(ctx context.Context, billID string, req domain.BillLineRequest) (domain.BillView, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.BillView{}, err
	}
	session, err := s.session(ctx, billID)
	if err != nil {
		return domain.BillView{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if err := session.bill.AddLine(ctx, strings.TrimSpace(req.ItemID), req.Qty, req.SellingPrice); err != nil {
		return domain.BillView{}, err
	}
	return session.bill.View(), nil
}

func (s *Service) RemoveBillLine(ctx context.Context, billID string, itemID string) (domain.BillView, error) {
	session, err := s.session(ctx, billID)
	if err != nil {
		return domain.BillView{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if err := session.bill.RemoveLine(strings.TrimSpace(itemID)); err != nil {
		return domain.BillView{}, err
	}
	return session.bill.View(), nil
}

func (s *Service) DiscardBill(ctx context.Context, billID string) error {
	billID = strings.TrimSpace(billID)
	session, err := s.session(ctx, billID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if !s.closeSession(billID, session) {
		return store.ErrNotFound
	}
	return nil
}

// CommitBill records the bill as a sale. The bill is closed only when the
// commit succeeds; on failure it stays open for correction.
func (s *Service) CommitBill(ctx context.Context, billID string) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	billID = strings.TrimSpace(billID)
	session, err := s.session(ctx, billID)
	if err != nil {
		return domain.Sale{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !s.isOpen(billID, session) {
		return domain.Sale{}, store.ErrNotFound
	}

	sale, err := s.commit(ctx, session.bill, actor)
	if err != nil {
		return domain.Sale{}, err
	}
	s.closeSession(billID, session)
	return sale, nil
}

// RecordSale validates and commits a complete list of lines in one call.
// Lines for the same item merge exactly as they would in an open bill.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Sale{}, err
	}
	if len(req.Items) == 0 {
		return domain.Sale{}, store.ErrEmptyBill
	}

	bill := sales.NewBill(xid.New("bill"), actor.Username, req.Customer, s.repo, s.now().UTC())
	for i, line := range req.Items {
		if err := bill.AddLine(ctx, strings.TrimSpace(line.ItemID), line.Qty, line.SellingPrice); err != nil {
			return domain.Sale{}, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return s.commit(ctx, bill, actor)
}

func (s *Service) commit(ctx context.Context, bill *sales.Bill, actor domain.Actor) (domain.Sale, error) {
	sale, err := s.committer.Commit(ctx, bill, actor, bill.Customer)
	if err != nil {
		s.logger.Info("sale rejected",
			zap.String("bill_id", bill.ID),
			zap.String("employee", actor.Username),
			zap.Error(err))
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_commit", sale.ID,
		zap.String("bill_id", bill.ID),
		zap.Int("lines", len(sale.Items)),
		zap.String("total_amount", sale.TotalAmount.StringFixed(2)),
		zap.String("total_profit", sale.TotalProfit.StringFixed(2)))
	s.invalidateDay(ctx, sale.Date)
	return *sale, nil
}

// session looks up an open bill owned by the calling actor. Bills of other
// actors are reported as not found.
func (s *Service) session(ctx context.Context, billID string) (*billSession, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	s.billsMu.Lock()
	session, ok := s.bills[strings.TrimSpace(billID)]
	s.billsMu.Unlock()
	if !ok || session.bill.Employee != actor.Username {
		return nil, store.ErrNotFound
	}
	return session, nil
}

// isOpen reports whether session is still the open bill under billID.
// Callers hold session.mu.
func (s *Service) isOpen(billID string, session *billSession) bool {
	s.billsMu.Lock()
	defer s.billsMu.Unlock()
	return s.bills[billID] == session
}

// closeSession removes session from the open bills. It returns false when
// another caller already closed it.
func (s *Service) closeSession(billID string, session *billSession) bool {
	s.billsMu.Lock()
	defer s.billsMu.Unlock()
	if s.bills[billID] != session {
		return false
	}
	delete(s.bills, billID)
	return true
}
