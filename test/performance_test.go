package test

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
)

func TestPerformance_ModbusTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	// Using memory persistence for high-throughput testing
	port := freePort(t)
	cmd := startNode(t, port, fmt.Sprintf(`
modbus:
  address: "127.0.0.1:%d"
  max_conns: 8
log:
  level: "info"
`, port))
	defer stopNode(t, cmd)

	var (
		writeOps     int64
		writeErrs    int64
		readOps      int64
		readErrs     int64
		testDuration = 5 * time.Second
	)

	// Client Factory
	newPerfClient := func() (modbus.Client, *modbus.TCPClientHandler) {
		handler := modbus.NewTCPClientHandler(fmt.Sprintf("127.0.0.1:%d", port))
		handler.SlaveId = 1
		handler.Timeout = 1 * time.Second // Tight timeout for performance testing
		handler.Connect()
		return modbus.NewClient(handler), handler
	}

	wg := sync.WaitGroup{}
	start := time.Now()

	// Writers: bursts of single and multiple register writes to the output block.
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, handler := newPerfClient()
			defer handler.Close()
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			timer := time.NewTimer(testDuration)
			defer timer.Stop()

			for {
				select {
				case <-timer.C:
					return
				case <-ticker.C:
					for i := 0; i < 100; i++ {
						addr := uint16(100 + rand.Intn(16))
						val := uint16(rand.Intn(65535))
						var err error
						if i%2 == 0 {
							_, err = client.WriteSingleRegister(addr, val)
						} else {
							_, err = client.WriteMultipleRegisters(100, 16, make([]byte, 32))
						}
						if err != nil {
							atomic.AddInt64(&writeErrs, 1)
							// Log only first few errors to avoid spam
							if atomic.LoadInt64(&writeErrs) <= 5 {
								t.Logf("Write Error: %v", err)
							}
						} else {
							atomic.AddInt64(&writeOps, 1)
						}
					}
				}
			}
		}()
	}

	// Readers poll the whole table continuously.
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, handler := newPerfClient()
			defer handler.Close()
			deadline := time.Now().Add(testDuration)

			for time.Now().Before(deadline) {
				rStart := time.Now()
				_, err1 := client.ReadInputRegisters(0, 16)
				_, err2 := client.ReadHoldingRegisters(100, 16)
				_, err3 := client.ReadHoldingRegisters(150, 5)
				if elapsed := time.Since(rStart); elapsed > 100*time.Millisecond {
					t.Logf("Poll cycle took %v", elapsed)
				}
				if err1 != nil || err2 != nil || err3 != nil {
					atomic.AddInt64(&readErrs, 1)
					if atomic.LoadInt64(&readErrs) <= 5 {
						t.Logf("Read Error: %v %v %v", err1, err2, err3)
					}
				} else {
					atomic.AddInt64(&readOps, 1)
				}
			}
		}()
	}

	wg.Wait()
	duration := time.Since(start)

	// Report
	t.Logf("Test Finished in %v", duration)
	t.Logf("Total Writes: %d (Errors: %d)", atomic.LoadInt64(&writeOps), atomic.LoadInt64(&writeErrs))
	t.Logf("Total Poll Cycles: %d (Errors: %d)", atomic.LoadInt64(&readOps), atomic.LoadInt64(&readErrs))

	if atomic.LoadInt64(&writeErrs) > 0 || atomic.LoadInt64(&readErrs) > 0 {
		t.Errorf("Performance test failed with errors.")
	}
}
