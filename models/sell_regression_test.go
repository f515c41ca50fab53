package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
)

// setupIntegrationEnv boots disposable MySQL and Redis containers, connects
// the globals and migrates. Each test gets a fresh database.
func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "garage_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	return ctx
}

func createTestItem(t *testing.T, ctx context.Context, name string, barcode string, qty int) *models.Item {
	t.Helper()
	item, err := models.CreateItem(ctx, &models.NewItem{
		Name:             name,
		Barcode:          barcode,
		BaselineQuantity: qty,
		PurchasePrice:    decimal.NewFromInt(2000),
		SellPrice:        decimal.NewFromInt(3000),
	})
	if err != nil {
		t.Fatalf("CreateItem(%s): %v", name, err)
	}
	return item
}

func mustStock(t *testing.T, ctx context.Context, itemId int) int {
	t.Helper()
	stock, err := models.GetActualQuantity(ctx, itemId)
	if err != nil {
		t.Fatalf("GetActualQuantity(%d): %v", itemId, err)
	}
	return stock.ActualQuantity
}

func TestSellLifecycle(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	oil := createTestItem(t, ctx, "Engine Oil", "OIL-001", 10)
	filter := createTestItem(t, ctx, "Oil Filter", "FLT-001", 1)

	// Adding with sell id 0 opens a sell and consumes one unit.
	line, err := models.AddSellItem(ctx, &models.NewSellItem{ItemId: oil.ID})
	if err != nil {
		t.Fatalf("AddSellItem: %v", err)
	}
	sellId := line.SellId
	if sellId == 0 {
		t.Fatal("expected a fresh sell to be opened")
	}
	if line.Quantity != 1 {
		t.Fatalf("expected quantity 1, got %d", line.Quantity)
	}
	if !line.SellPrice.Equal(oil.SellPrice) {
		t.Fatalf("expected snapshotted sell price %s, got %s", oil.SellPrice, line.SellPrice)
	}
	if got := mustStock(t, ctx, oil.ID); got != 9 {
		t.Fatalf("expected stock 9 after first add, got %d", got)
	}

	// Scanning the same item again accumulates instead of duplicating.
	again, err := models.AddSellItem(ctx, &models.NewSellItem{SellId: sellId, ItemId: oil.ID})
	if err != nil {
		t.Fatalf("AddSellItem (accumulate): %v", err)
	}
	if again.ID != line.ID || again.Quantity != 2 {
		t.Fatalf("expected same line at quantity 2, got id=%d qty=%d", again.ID, again.Quantity)
	}

	// Barcode path resolves the catalog row.
	byBarcode, err := models.AddSellItem(ctx, &models.NewSellItem{
		SellId:    sellId,
		Barcode:   "FLT-001",
		ByBarcode: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("AddSellItem (barcode): %v", err)
	}
	if byBarcode.ItemId != filter.ID {
		t.Fatalf("barcode resolved to item %d, expected %d", byBarcode.ItemId, filter.ID)
	}
	if got := mustStock(t, ctx, filter.ID); got != 0 {
		t.Fatalf("expected filter stock 0, got %d", got)
	}

	// The filter is exhausted; one more unit must refuse.
	_, err = models.AddSellItem(ctx, &models.NewSellItem{SellId: sellId, ItemId: filter.ID})
	if !utils.IsKind(err, utils.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	// Unknown barcode refuses as a bad reference.
	_, err = models.AddSellItem(ctx, &models.NewSellItem{
		SellId:    sellId,
		Barcode:   "NO-SUCH",
		ByBarcode: utils.NewTrue(),
	})
	if !utils.IsKind(err, utils.KindInvalidReference) {
		t.Fatalf("expected invalid reference, got %v", err)
	}

	// Quantity deltas.
	upd, err := models.UpdateSellItemQty(ctx, sellId, oil.ID, 3)
	if err != nil {
		t.Fatalf("UpdateSellItemQty(+3): %v", err)
	}
	if upd.Quantity != 5 {
		t.Fatalf("expected quantity 5, got %d", upd.Quantity)
	}
	if _, err := models.UpdateSellItemQty(ctx, sellId, oil.ID, -6); !utils.IsKind(err, utils.KindInvalidQuantity) {
		t.Fatalf("expected invalid quantity below zero, got %v", err)
	}
	if _, err := models.UpdateSellItemQty(ctx, sellId, oil.ID, 100); !utils.IsKind(err, utils.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock on large delta, got %v", err)
	}
	if _, err := models.DecreaseSellItem(ctx, sellId, oil.ID); err != nil {
		t.Fatalf("DecreaseSellItem: %v", err)
	}
	if got := mustStock(t, ctx, oil.ID); got != 6 {
		t.Fatalf("expected oil stock 6, got %d", got)
	}

	// Discount bounds: active total is 4*3000 + 1*3000 = 15000.
	if _, err := models.SetSellDiscount(ctx, sellId, decimal.NewFromInt(15001)); !utils.IsKind(err, utils.KindInvalidDiscount) {
		t.Fatalf("expected invalid discount above total, got %v", err)
	}
	if _, err := models.SetSellDiscount(ctx, sellId, decimal.NewFromInt(-1)); !utils.IsKind(err, utils.KindInvalidDiscount) {
		t.Fatalf("expected invalid discount below zero, got %v", err)
	}
	sell, err := models.SetSellDiscount(ctx, sellId, decimal.NewFromInt(15000))
	if err != nil {
		t.Fatalf("SetSellDiscount at boundary: %v", err)
	}
	if !sell.Discount.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("expected discount 15000, got %s", sell.Discount)
	}
	if _, err := models.SetSellDiscount(ctx, sellId, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("SetSellDiscount: %v", err)
	}

	// Removing a line frees its stock; the receipt stops showing it.
	if _, err := models.RemoveSellItem(ctx, sellId, filter.ID); err != nil {
		t.Fatalf("RemoveSellItem: %v", err)
	}
	if got := mustStock(t, ctx, filter.ID); got != 1 {
		t.Fatalf("expected filter stock back to 1, got %d", got)
	}
	// Removing again is harmless.
	if _, err := models.RemoveSellItem(ctx, sellId, filter.ID); err != nil {
		t.Fatalf("repeat RemoveSellItem: %v", err)
	}

	receipt, err := models.GetSellReceipt(ctx, sellId)
	if err != nil {
		t.Fatalf("GetSellReceipt: %v", err)
	}
	if len(receipt.Items) != 1 {
		t.Fatalf("expected 1 active line on receipt, got %d", len(receipt.Items))
	}
	if !receipt.Subtotal.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("expected subtotal 12000, got %s", receipt.Subtotal)
	}
	if !receipt.Total.Equal(decimal.NewFromInt(11000)) {
		t.Fatalf("expected total 11000, got %s", receipt.Total)
	}

	// Restoring the removed line re-checks and re-consumes stock.
	if _, err := models.RestoreSellItem(ctx, sellId, filter.ID); err != nil {
		t.Fatalf("RestoreSellItem: %v", err)
	}
	if got := mustStock(t, ctx, filter.ID); got != 0 {
		t.Fatalf("expected filter stock 0 after line restore, got %d", got)
	}
	if _, err := models.RestoreSellItem(ctx, sellId, filter.ID); !utils.IsKind(err, utils.KindNotFound) {
		t.Fatalf("restoring an active line should report nothing to restore, got %v", err)
	}
}

func TestCancelAndRestoreSell(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	pads := createTestItem(t, ctx, "Brake Pads", "PAD-001", 2)

	line, err := models.AddSellItem(ctx, &models.NewSellItem{ItemId: pads.ID})
	if err != nil {
		t.Fatalf("AddSellItem: %v", err)
	}
	sellId := line.SellId
	if _, err := models.IncreaseSellItem(ctx, sellId, pads.ID); err != nil {
		t.Fatalf("IncreaseSellItem: %v", err)
	}
	if got := mustStock(t, ctx, pads.ID); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}

	// Cancelling frees everything and cascades to lines.
	if _, err := models.CancelSell(ctx, sellId); err != nil {
		t.Fatalf("CancelSell: %v", err)
	}
	if got := mustStock(t, ctx, pads.ID); got != 2 {
		t.Fatalf("expected stock 2 after cancel, got %d", got)
	}
	sell, err := models.GetSell(ctx, sellId)
	if err != nil {
		t.Fatalf("GetSell: %v", err)
	}
	for _, l := range sell.Items {
		if l.State() != models.SellItemStateSellCancelled {
			t.Fatalf("expected cancelled line, got %s", l.State())
		}
	}
	// Cancelling twice is a no-op.
	if _, err := models.CancelSell(ctx, sellId); err != nil {
		t.Fatalf("repeat CancelSell: %v", err)
	}

	// Another sale takes one unit in the meantime.
	other, err := models.AddSellItem(ctx, &models.NewSellItem{ItemId: pads.ID})
	if err != nil {
		t.Fatalf("AddSellItem (other sale): %v", err)
	}

	// Restore must re-check: two units needed, only one left.
	if _, err := models.RestoreSell(ctx, sellId, []int{line.ID}); !utils.IsKind(err, utils.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock on restore, got %v", err)
	}

	if _, err := models.CancelSell(ctx, other.SellId); err != nil {
		t.Fatalf("CancelSell (other sale): %v", err)
	}
	restored, err := models.RestoreSell(ctx, sellId, []int{line.ID})
	if err != nil {
		t.Fatalf("RestoreSell: %v", err)
	}
	if utils.DereferencePtr(restored.Deleted, true) {
		t.Fatal("restored sell should not be deleted")
	}
	if got := mustStock(t, ctx, pads.ID); got != 0 {
		t.Fatalf("expected stock 0 after restore, got %d", got)
	}

	// An empty allow-list restores the header only.
	if _, err := models.CancelSell(ctx, sellId); err != nil {
		t.Fatalf("CancelSell (again): %v", err)
	}
	headerOnly, err := models.RestoreSell(ctx, sellId, nil)
	if err != nil {
		t.Fatalf("RestoreSell (header only): %v", err)
	}
	for _, l := range headerOnly.Items {
		if l.State() == models.SellItemStateActive {
			t.Fatalf("no line should come back without being named")
		}
	}
	if got := mustStock(t, ctx, pads.ID); got != 2 {
		t.Fatalf("expected stock 2 after header-only restore, got %d", got)
	}
}

// Two clients racing for the last unit: exactly one wins.
func TestConcurrentAddSellItem(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	lastOne := createTestItem(t, ctx, "Spark Plug", "PLG-001", 1)

	sellA, err := models.OpenSell(ctx)
	if err != nil {
		t.Fatalf("OpenSell A: %v", err)
	}
	sellB, err := models.OpenSell(ctx)
	if err != nil {
		t.Fatalf("OpenSell B: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, sellId := range []int{sellA.ID, sellB.ID} {
		wg.Add(1)
		go func(i int, sellId int) {
			defer wg.Done()
			_, errs[i] = models.AddSellItem(ctx, &models.NewSellItem{SellId: sellId, ItemId: lastOne.ID})
		}(i, sellId)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case utils.IsKind(err, utils.KindInsufficientStock):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
	}
	if got := mustStock(t, ctx, lastOne.ID); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("garage-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("garage-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=garage_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
