package lki

import (
	"reflect"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/zpiroux/geist-connector-kafka-leader/ikafka"
)

type DefaultConsumerFactory struct{}

func (d DefaultConsumerFactory) NewConsumer(conf *kafka.ConfigMap) (ikafka.Consumer, error) {
	return kafka.NewConsumer(conf)
}

// IsNil also reports typed nils, such as a nil func converted to RecordHandlerFunc.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
