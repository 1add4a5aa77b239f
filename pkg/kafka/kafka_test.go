package kafka

import (
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestSendMessageDoesNotBlockWithoutReceiptReaders(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true

	// 消息数远超回执通道缓冲，不排空回执的话Input()会被堵死
	const total = 1024
	mock := mocks.NewAsyncProducer(t, config)
	for i := 0; i < total; i++ {
		mock.ExpectInputAndSucceed()
	}

	p := newProducer(mock)

	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			key := fmt.Sprintf("key-%d", i)
			if err := p.SendMessage("test-topic", []byte(key), []byte("payload")); err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked: success receipts are not being drained")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestProducerSurvivesBrokerErrors(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true

	mock := mocks.NewAsyncProducer(t, config)
	mock.ExpectInputAndFail(sarama.ErrBrokerNotAvailable)
	mock.ExpectInputAndSucceed()

	p := newProducer(mock)

	// 失败回执被排空记录，后续发送不受影响
	if err := p.SendMessage("test-topic", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.SendMessage("test-topic", []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
