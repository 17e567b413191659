// pkg/kafka/interface.go
//
// Пакет kafka задаёт минимальные контракты обмена сообщениями, не тянет
// за собой Sarama и никак не зависит от конкретной реализации.
package kafka

import "time"

// Message представляет запись, полученную из брокера.
//
// Offset монотонно растёт внутри партиции и уникален в её пределах;
// порядок доставки внутри партиции — неубывающий по Offset.
type Message struct {
	Key       []byte    // ключ сообщения (может быть nil)
	Value     []byte    // полезная нагрузка
	Topic     string    // имя топика
	Partition int32     // раздел
	Offset    int64     // смещение
	Timestamp time.Time // время записи у брокера
}

// OffsetReset задаёт политику выбора стартового offset'а, когда у группы
// нет сохранённого checkpoint'а.
type OffsetReset string

const (
	OffsetEarliest OffsetReset = "earliest"
	OffsetLatest   OffsetReset = "latest"
)

// Valid сообщает, известна ли политика.
func (r OffsetReset) Valid() bool {
	return r == OffsetEarliest || r == OffsetLatest
}
