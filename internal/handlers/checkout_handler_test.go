package handlers

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/catalog"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/gateway"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/orders"
	"github.com/SirIceHydra/sams-hardware-sub001/internal/pending"
)

// mockDynamo mirrors the conditional-write behavior the stores depend on.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) ensureTable(tbl string) {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
}

func itemPK(attrs map[string]types.AttributeValue) (string, error) {
	for _, name := range []string{"order_id", "sku"} {
		if v, ok := attrs[name]; ok {
			return v.(*types.AttributeValueMemberS).Value, nil
		}
	}
	return "", errors.New("no primary key attribute")
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := itemPK(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(order_id)" {
		if _, exists := m.tables[table][pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.tables[table][pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := itemPK(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := itemPK(params.Key)
	if err != nil {
		return nil, err
	}
	item, exists := m.tables[table][pk]

	if strings.Contains(*params.UpdateExpression, "ADD seq") {
		if !exists {
			item = map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: pk}}
		}
		seq := int64(0)
		if v, ok := item["seq"].(*types.AttributeValueMemberN); ok {
			seq, _ = strconv.ParseInt(v.Value, 10, 64)
		}
		seq++
		item["seq"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)}
		m.tables[table][pk] = item
		return &dyn.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"seq": item["seq"]}}, nil
	}

	if !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "#s = :expected" {
		curr, ok := item["status"].(*types.AttributeValueMemberS)
		expected := params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value
		if !ok || curr.Value != expected {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	if v, ok := params.ExpressionAttributeValues[":new"]; ok {
		item["status"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":ua"]; ok {
		item["updated_at"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":pid"]; ok {
		item["payment_id"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":fr"]; ok {
		item["failure_reason"] = v
	}
	m.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

// mockSQS records sent messages.
type mockSQS struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

const testPassphrase = "unit-test-passphrase"

func testHandlerConfig(mock *mockDynamo, queue *mockSQS) HandlerConfig {
	return HandlerConfig{
		DynamoDBClient: mock,
		SQSClient:      queue,
		OrdersTable:    "orders",
		CatalogTable:   "catalog",
		NotifyQueueURL: "https://sqs.example/notify",
		Gateway: gateway.Config{
			MerchantID:  "10000100",
			MerchantKey: "46f0cd694581a",
			Passphrase:  testPassphrase,
			ProcessURL:  "https://sandbox.payfast.example/eng/process",
			ReturnURL:   "https://shop.example/checkout/return",
			CancelURL:   "https://shop.example/checkout/cancel",
			NotifyURL:   "https://shop.example/checkout/notify",
		},
		BridgeSecret: "test-bridge-secret",
	}
}

func newTestRouter(mock *mockDynamo, queue *mockSQS) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterCheckoutRoutes(r, testHandlerConfig(mock, queue))
	return r
}

func seedCatalog(mock *mockDynamo, sku string, price float64, stock string) {
	mock.ensureTable("catalog")
	mock.tables["catalog"][sku] = map[string]types.AttributeValue{
		"sku":          &types.AttributeValueMemberS{Value: sku},
		"price":        &types.AttributeValueMemberN{Value: strconv.FormatFloat(price, 'f', -1, 64)},
		"stock_status": &types.AttributeValueMemberS{Value: stock},
	}
}

func seedOrder(t *testing.T, mock *mockDynamo, o orders.Order) {
	t.Helper()
	if o.Status == "" {
		o.Status = orders.StatusPending
	}
	item, err := attributevalue.MarshalMap(o)
	require.NoError(t, err)
	mock.ensureTable("orders")
	mock.tables["orders"][o.OrderID] = item
}

func orderStatus(t *testing.T, mock *mockDynamo, orderID string) string {
	t.Helper()
	item, ok := mock.tables["orders"][orderID]
	require.True(t, ok, "order %s not in ledger", orderID)
	return item["status"].(*types.AttributeValueMemberS).Value
}

// signParams mirrors the gateway's canonical signing so tests can forge
// valid notifications.
func signParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" || params[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	b.WriteString("&passphrase=")
	b.WriteString(url.QueryEscape(testPassphrase))
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func checkoutBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"lines": []map[string]interface{}{
			{"productId": "drill-18v", "quantity": 1, "unitPriceAtAdd": 1499.00},
		},
		"amount":   1499.00,
		"currency": "ZAR",
	})
	return body
}

func TestCheckout_CreatesPendingOrderAndRedirect(t *testing.T) {
	mock := newMockDynamo()
	seedCatalog(mock, "drill-18v", 1499.00, catalog.StockInStock)
	r := newTestRouter(mock, &mockSQS{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader(checkoutBody()))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		OrderID     string `json:"orderId"`
		OrderNumber string `json:"orderNumber"`
		Redirect    struct {
			URL    string          `json:"url"`
			Fields []gateway.Field `json:"fields"`
		} `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, "ORD-1001", resp.OrderNumber)
	assert.Equal(t, "https://sandbox.payfast.example/eng/process", resp.Redirect.URL)

	// pending order in the ledger
	assert.Equal(t, orders.StatusPending, orderStatus(t, mock, resp.OrderID))

	// pending handle cookie set for the round-trip
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, pending.CookieName, cookies[0].Name)
}

func TestCheckout_PriceDrift_Rejected(t *testing.T) {
	mock := newMockDynamo()
	seedCatalog(mock, "drill-18v", 1599.00, catalog.StockInStock)
	r := newTestRouter(mock, &mockSQS{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader(checkoutBody()))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")
	assert.Empty(t, mock.tables["orders"], "no order may be created on drift")
}

func TestCheckout_OutOfStock_Rejected(t *testing.T) {
	mock := newMockDynamo()
	seedCatalog(mock, "drill-18v", 1499.00, catalog.StockOutOfStock)
	r := newTestRouter(mock, &mockSQS{})

	body, _ := json.Marshal(map[string]interface{}{
		"lines": []map[string]interface{}{
			{"productId": "drill-18v", "quantity": 1, "unitPriceAtAdd": 1499.00, "stockStatus": "instock"},
		},
		"amount":   1499.00,
		"currency": "ZAR",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "unavailableLines")
	// the status the cart remembered is echoed next to the current one
	assert.Contains(t, w.Body.String(), `"cartStockStatus":"instock"`)
	assert.Contains(t, w.Body.String(), `"stockStatus":"outofstock"`)
}

func TestCheckout_AmountMismatch_BadRequest(t *testing.T) {
	mock := newMockDynamo()
	r := newTestRouter(mock, &mockSQS{})

	body, _ := json.Marshal(map[string]interface{}{
		"lines": []map[string]interface{}{
			{"productId": "drill-18v", "quantity": 2, "unitPriceAtAdd": 1499.00},
		},
		"amount":   1499.00,
		"currency": "ZAR",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotify_InvalidSignature_Rejected(t *testing.T) {
	mock := newMockDynamo()
	queue := &mockSQS{}
	r := newTestRouter(mock, queue)

	form := url.Values{}
	form.Set("m_payment_id", "order-1")
	form.Set("payment_status", "COMPLETE")
	form.Set("signature", "forged")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout/notify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, queue.sent)
}

func TestNotify_Verified_Enqueued(t *testing.T) {
	mock := newMockDynamo()
	queue := &mockSQS{}
	r := newTestRouter(mock, queue)

	params := map[string]string{
		"m_payment_id":   "order-1",
		"pf_payment_id":  "PF-55",
		"payment_status": "COMPLETE",
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("signature", signParams(params))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout/notify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, queue.sent, 1)
	assert.Contains(t, queue.sent[0], `"order_id":"order-1"`)

	// the notify endpoint itself writes nothing to the ledger
	assert.Empty(t, mock.tables["orders"])
}

func TestNotify_EnqueueFailure_SignalsRetry(t *testing.T) {
	mock := newMockDynamo()
	queue := &mockSQS{err: errors.New("sqs down")}
	r := newTestRouter(mock, queue)

	params := map[string]string{
		"m_payment_id":   "order-1",
		"payment_status": "COMPLETE",
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("signature", signParams(params))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout/notify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReturn_CancelledWithBridgeFallback(t *testing.T) {
	mock := newMockDynamo()
	r := newTestRouter(mock, &mockSQS{})
	seedOrder(t, mock, orders.Order{
		OrderID:     "ORD-1002",
		OrderNumber: "ORD-1002",
		Amount:      350.00,
		Currency:    "ZAR",
	})

	// no m_payment_id on the return URL; the bridge holds the order id
	bridge := pending.NewBridge("test-bridge-secret")
	handleValue, err := bridge.Encode(pending.Handle{OrderID: "ORD-1002", OrderNumber: "ORD-1002"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout/return?reason=cancelled", nil)
	req.AddCookie(&http.Cookie{Name: pending.CookieName, Value: handleValue})
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, orders.StatusCancelled, orderStatus(t, mock, "ORD-1002"))

	// the handle is cleared after the first confirmation attempt
	var clearedCookie bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == pending.CookieName && ck.MaxAge < 0 {
			clearedCookie = true
		}
	}
	assert.True(t, clearedCookie)
}

func TestReturn_UnverifiedSuccess_LeavesOrderPending(t *testing.T) {
	mock := newMockDynamo()
	r := newTestRouter(mock, &mockSQS{})
	seedOrder(t, mock, orders.Order{
		OrderID:     "order-7",
		OrderNumber: "ORD-1007",
		Amount:      100.00,
		Currency:    "ZAR",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout/return?m_payment_id=order-7&payment_status=COMPLETE", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orders.StatusPending, orderStatus(t, mock, "order-7"),
		"a browser redirect alone must not mark the order paid")
}

func TestReturn_NoOrderAnywhere(t *testing.T) {
	mock := newMockDynamo()
	r := newTestRouter(mock, &mockSQS{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout/return", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "order_unresolved")
}

func TestCancelEndpoint_AfterPaid_Conflict(t *testing.T) {
	mock := newMockDynamo()
	r := newTestRouter(mock, &mockSQS{})
	seedOrder(t, mock, orders.Order{
		OrderID:     "order-8",
		OrderNumber: "ORD-1008",
		Status:      orders.StatusPaid,
		PaymentID:   "PF-90",
		Amount:      100.00,
		Currency:    "ZAR",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout/cancel?m_payment_id=order-8", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, orders.StatusPaid, orderStatus(t, mock, "order-8"))
}

func TestOrderLookup(t *testing.T) {
	mock := newMockDynamo()
	r := newTestRouter(mock, &mockSQS{})
	seedOrder(t, mock, orders.Order{
		OrderID:     "order-9",
		OrderNumber: "ORD-1009",
		Status:      orders.StatusPaid,
		PaymentID:   "PF-91",
		Amount:      100.00,
		Currency:    "ZAR",
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/order-9", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ORD-1009")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
