package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
	"stockdesk/internal/xid"
)

const (
	itemsCollection   = "items"
	salesCollection   = "sales"
	targetsCollection = "targets"
	usersCollection   = "users"
)

// Store keeps the catalog, ledger, targets and accounts in MongoDB. Sale
// commits use multi-document transactions, so the server must run as a
// replica set.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

type itemDoc struct {
	ID        string               `bson:"_id"`
	Name      string               `bson:"name"`
	BasePrice primitive.Decimal128 `bson:"base_price"`
	Stock     int                  `bson:"stock"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type customerDoc struct {
	ID      string `bson:"id"`
	Name    string `bson:"name"`
	Phone   string `bson:"phone,omitempty"`
	Address string `bson:"address,omitempty"`
}

type saleLineDoc struct {
	ItemID    string               `bson:"item_id"`
	Name      string               `bson:"name"`
	BasePrice primitive.Decimal128 `bson:"base_price"`
	SellPrice primitive.Decimal128 `bson:"sell_price"`
	Qty       int                  `bson:"qty"`
	Total     primitive.Decimal128 `bson:"total"`
	Profit    primitive.Decimal128 `bson:"profit"`
}

type saleDoc struct {
	ID          string               `bson:"_id"`
	Date        time.Time            `bson:"date"`
	Employee    string               `bson:"employee"`
	Customer    *customerDoc         `bson:"customer,omitempty"`
	Items       []saleLineDoc        `bson:"items"`
	TotalAmount primitive.Decimal128 `bson:"total_amount"`
	TotalProfit primitive.Decimal128 `bson:"total_profit"`
}

// targetDoc stores yearly targets with month -1 so the unique key covers both kinds.
type targetDoc struct {
	ID               string     `bson:"_id"`
	EmployeeUsername string     `bson:"employee_username"`
	Type             string     `bson:"type"`
	Month            int        `bson:"month"`
	Year             int        `bson:"year"`
	Target           int        `bson:"target"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        *time.Time `bson:"updated_at,omitempty"`
}

type userDoc struct {
	Username  string    `bson:"_id"`
	Password  string    `bson:"password"`
	Role      string    `bson:"role"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

// New connects, verifies the connection and ensures the indexes the store
// relies on for uniqueness.
func New(ctx context.Context, uri string, dbName string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(dbName),
		logger: logger.Named("store.mongo"),
		now:    time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.logger.Info("connected", zap.String("database", dbName))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		itemsCollection: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		salesCollection: {
			{Keys: bson.D{{Key: "date", Value: -1}}},
			{Keys: bson.D{{Key: "employee", Value: 1}, {Key: "date", Value: -1}}},
		},
		targetsCollection: {
			{
				Keys: bson.D{
					{Key: "employee_username", Value: 1},
					{Key: "type", Value: 1},
					{Key: "month", Value: 1},
					{Key: "year", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	return nil
}

// Close closes the MongoDB connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	cursor, err := s.db.Collection(itemsCollection).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []itemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]domain.Item, 0, len(docs))
	for _, doc := range docs {
		item, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var doc itemDoc
	err := s.db.Collection(itemsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item, err := doc.toDomain()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if err := store.ValidateItem(item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	now := s.timestamp()
	item.BasePrice = store.Money(item.BasePrice)
	item.CreatedAt = now
	item.UpdatedAt = now

	doc, err := newItemDoc(item)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Collection(itemsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: item %q already exists", store.ErrConflict, item.Name)
		}
		return nil, err
	}
	created := item
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if err := store.ValidateItem(item); err != nil {
		return nil, err
	}
	item.BasePrice = store.Money(item.BasePrice)
	price, err := toDecimal128(item.BasePrice)
	if err != nil {
		return nil, err
	}

	var doc itemDoc
	err = s.db.Collection(itemsCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": item.ID},
		bson.M{"$set": bson.M{
			"name":       item.Name,
			"base_price": price,
			"stock":      item.Stock,
			"updated_at": s.timestamp(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: item %q already exists", store.ErrConflict, item.Name)
		}
		return nil, err
	}
	updated, err := doc.toDomain()
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.Collection(itemsCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DecrementStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidInput
	}
	return s.decrementStock(ctx, id, qty)
}

// decrementStock subtracts qty only when enough stock remains.
func (s *Store) decrementStock(ctx context.Context, id string, qty int) error {
	items := s.db.Collection(itemsCollection)
	res, err := items.UpdateOne(ctx,
		bson.M{"_id": id, "stock": bson.M{"$gte": qty}},
		bson.M{
			"$inc": bson.M{"stock": -qty},
			"$set": bson.M{"updated_at": s.timestamp()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	var doc itemDoc
	err = items.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", store.ErrItemNotFound, id)
	}
	if err != nil {
		return err
	}
	return store.InsufficientStock(doc.Name, doc.Stock, qty)
}

func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyBill
	}

	session, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.commitSale(sc, sale)
	})
	if err != nil {
		s.logger.Debug("sale transaction aborted", zap.String("employee", sale.Employee), zap.Error(err))
		return nil, err
	}
	committed := result.(*domain.Sale)
	return committed, nil
}

// commitSale runs inside a transaction; WithTransaction may call it again on
// transient errors, so it must not mutate its input.
func (s *Store) commitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	cursor, err := s.db.Collection(itemsCollection).Find(ctx, bson.M{"_id": bson.M{"$in": uniqueItemIDs(sale.Items)}})
	if err != nil {
		return nil, err
	}
	var docs []itemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	current := make(map[string]domain.Item, len(docs))
	for _, doc := range docs {
		item, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		current[item.ID] = item
	}

	reserved := make(map[string]int, len(sale.Items))
	priced := make([]domain.SaleLine, 0, len(sale.Items))
	for _, line := range sale.Items {
		var item *domain.Item
		if found, ok := current[line.ItemID]; ok {
			item = &found
		}
		if err := store.CheckLine(item, line, reserved[line.ItemID]); err != nil {
			return nil, err
		}
		reserved[line.ItemID] += line.Qty
		priced = append(priced, store.PriceLine(*item, line))
	}

	for _, id := range sortedKeys(reserved) {
		if err := s.decrementStock(ctx, id, reserved[id]); err != nil {
			return nil, err
		}
	}

	out := sale
	out.ID = xid.New("sale")
	out.Date = s.timestamp()
	out.Items = priced
	out.TotalAmount, out.TotalProfit = store.Totals(priced)
	if sale.Customer != nil {
		customer := *sale.Customer
		if customer.ID == "" {
			customer.ID = xid.New("cust")
		}
		out.Customer = &customer
	}

	doc, err := newSaleDoc(out)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Collection(salesCollection).InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSales returns matching sales newest first.
func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	query := bson.M{}
	if filter.Employee != "" {
		query["employee"] = filter.Employee
	}
	dateRange := bson.M{}
	if !filter.From.IsZero() {
		dateRange["$gte"] = filter.From.UTC()
	}
	if !filter.To.IsZero() {
		dateRange["$lt"] = filter.To.UTC()
	}
	if len(dateRange) > 0 {
		query["date"] = dateRange
	}

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.db.Collection(salesCollection).Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	var docs []saleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, len(docs))
	for _, doc := range docs {
		sale, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var doc saleDoc
	err := s.db.Collection(salesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale, err := doc.toDomain()
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListTargets(ctx context.Context) ([]domain.Target, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "employee_username", Value: 1},
		{Key: "year", Value: 1},
		{Key: "type", Value: 1},
		{Key: "month", Value: 1},
	})
	cursor, err := s.db.Collection(targetsCollection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []targetDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	targets := make([]domain.Target, 0, len(docs))
	for _, doc := range docs {
		targets = append(targets, doc.toDomain())
	}
	return targets, nil
}

// UpsertTarget replaces the goal at (employee, type, month, year), keeping the
// id and creation time of an existing entry.
func (s *Store) UpsertTarget(ctx context.Context, target domain.Target) (*domain.Target, error) {
	if err := store.ValidateTarget(target); err != nil {
		return nil, err
	}
	month := -1
	if target.Type == domain.TargetMonthly {
		month = *target.Month
	}
	key := bson.M{
		"employee_username": target.EmployeeUsername,
		"type":              target.Type,
		"month":             month,
		"year":              target.Year,
	}
	targets := s.db.Collection(targetsCollection)

	for attempt := 0; attempt < 2; attempt++ {
		var doc targetDoc
		err := targets.FindOneAndUpdate(ctx, key,
			bson.M{"$set": bson.M{"target": target.Target, "updated_at": s.timestamp()}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err == nil {
			saved := doc.toDomain()
			return &saved, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		doc = targetDoc{
			ID:               xid.New("target"),
			EmployeeUsername: target.EmployeeUsername,
			Type:             target.Type,
			Month:            month,
			Year:             target.Year,
			Target:           target.Target,
			CreatedAt:        s.timestamp(),
		}
		_, err = targets.InsertOne(ctx, doc)
		if err == nil {
			saved := doc.toDomain()
			return &saved, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, err
		}
		// lost an insert race at the same key; the next pass updates it
	}
	return nil, fmt.Errorf("%w: target %s changed concurrently", store.ErrConflict, store.TargetKey(target))
}

func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	res, err := s.db.Collection(targetsCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.timestamp()
	}

	_, err := s.db.Collection(usersCollection).InsertOne(ctx, userDoc{
		Username:  user.Username,
		Password:  user.Password,
		Role:      user.Role,
		Active:    true,
		CreatedAt: user.CreatedAt.UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	cursor, err := s.db.Collection(usersCollection).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(docs))
	for _, doc := range docs {
		users = append(users, domain.UserAccount{
			Username:  doc.Username,
			Password:  doc.Password,
			Role:      doc.Role,
			Active:    doc.Active,
			CreatedAt: doc.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": username},
		bson.M{"$set": bson.M{"password": password}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.Collection(usersCollection).DeleteOne(ctx, bson.M{"_id": strings.ToLower(strings.TrimSpace(username))})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func newItemDoc(item domain.Item) (itemDoc, error) {
	price, err := toDecimal128(item.BasePrice)
	if err != nil {
		return itemDoc{}, err
	}
	return itemDoc{
		ID:        item.ID,
		Name:      item.Name,
		BasePrice: price,
		Stock:     item.Stock,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}, nil
}

func (d itemDoc) toDomain() (domain.Item, error) {
	price, err := fromDecimal128(d.BasePrice)
	if err != nil {
		return domain.Item{}, err
	}
	return domain.Item{
		ID:        d.ID,
		Name:      d.Name,
		BasePrice: price,
		Stock:     d.Stock,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

func newSaleDoc(sale domain.Sale) (saleDoc, error) {
	doc := saleDoc{
		ID:       sale.ID,
		Date:     sale.Date,
		Employee: sale.Employee,
		Items:    make([]saleLineDoc, 0, len(sale.Items)),
	}
	if sale.Customer != nil {
		doc.Customer = &customerDoc{
			ID:      sale.Customer.ID,
			Name:    sale.Customer.Name,
			Phone:   sale.Customer.Phone,
			Address: sale.Customer.Address,
		}
	}
	for _, line := range sale.Items {
		lineDoc := saleLineDoc{ItemID: line.ItemID, Name: line.Name, Qty: line.Qty}
		if err := encodeDecimals(
			[]decimal.Decimal{line.BasePrice, line.SellPrice, line.Total, line.Profit},
			[]*primitive.Decimal128{&lineDoc.BasePrice, &lineDoc.SellPrice, &lineDoc.Total, &lineDoc.Profit},
		); err != nil {
			return saleDoc{}, err
		}
		doc.Items = append(doc.Items, lineDoc)
	}
	if err := encodeDecimals(
		[]decimal.Decimal{sale.TotalAmount, sale.TotalProfit},
		[]*primitive.Decimal128{&doc.TotalAmount, &doc.TotalProfit},
	); err != nil {
		return saleDoc{}, err
	}
	return doc, nil
}

func (d saleDoc) toDomain() (domain.Sale, error) {
	sale := domain.Sale{
		ID:       d.ID,
		Date:     d.Date.UTC(),
		Employee: d.Employee,
		Items:    make([]domain.SaleLine, 0, len(d.Items)),
	}
	if d.Customer != nil {
		sale.Customer = &domain.Customer{
			ID:      d.Customer.ID,
			Name:    d.Customer.Name,
			Phone:   d.Customer.Phone,
			Address: d.Customer.Address,
		}
	}
	for _, lineDoc := range d.Items {
		line := domain.SaleLine{ItemID: lineDoc.ItemID, Name: lineDoc.Name, Qty: lineDoc.Qty}
		if err := decodeDecimals(
			[]primitive.Decimal128{lineDoc.BasePrice, lineDoc.SellPrice, lineDoc.Total, lineDoc.Profit},
			[]*decimal.Decimal{&line.BasePrice, &line.SellPrice, &line.Total, &line.Profit},
		); err != nil {
			return domain.Sale{}, err
		}
		sale.Items = append(sale.Items, line)
	}
	if err := decodeDecimals(
		[]primitive.Decimal128{d.TotalAmount, d.TotalProfit},
		[]*decimal.Decimal{&sale.TotalAmount, &sale.TotalProfit},
	); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (d targetDoc) toDomain() domain.Target {
	target := domain.Target{
		ID:               d.ID,
		EmployeeUsername: d.EmployeeUsername,
		Type:             d.Type,
		Year:             d.Year,
		Target:           d.Target,
		CreatedAt:        d.CreatedAt.UTC(),
	}
	if d.Month >= 0 {
		month := d.Month
		target.Month = &month
	}
	if d.UpdatedAt != nil {
		at := d.UpdatedAt.UTC()
		target.UpdatedAt = &at
	}
	return target
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode decimal %s: %w", d.String(), err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode decimal %s: %w", v.String(), err)
	}
	return d, nil
}

func encodeDecimals(values []decimal.Decimal, dst []*primitive.Decimal128) error {
	for i, value := range values {
		v, err := toDecimal128(value)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}

func decodeDecimals(values []primitive.Decimal128, dst []*decimal.Decimal) error {
	for i, value := range values {
		d, err := fromDecimal128(value)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

func uniqueItemIDs(lines []domain.SaleLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ItemID == "" {
			continue
		}
		set[line.ItemID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
