package domain

// DeliveryBus hands resolved inbound events from the listener to the relay.
type DeliveryBus interface {
	Publish(d Delivery)
	Subscribe() <-chan Delivery
	Close()
}
