// Package consumer wires configuration, a transport, the pool controller and
// workers into the `reactor consume` command.
//
// Example:
//
//	cfg, err := config.Load("reactor.yaml")
//	if err != nil {
//		return err
//	}
//	registry := dispatch.NewRegistry(logger)
//	dispatch.RegisterFunc(registry, "order", dispatch.JSON[Order], processOrder)
//	return consumer.Run(ctx, consumer.Options{Config: cfg, Handler: registry})
package consumer
