/*
Package eventgateway turns batches of process engine events into routed
notification documents and fans them out to live subscribers.

# Overview

A batch arrives from a transport (NATS, Kafka, Redis or HTTP), is grouped
by its identity attributes into one document per process instance, and is
broadcast on a hub. Subscribers of the hub are:

  - GraphQL subscription streams, filtered by Ant-style destination patterns
  - gateway senders that forward every document to a broker under its
    routing key
  - an optional STOMP bridge that publishes to /topic/<routingKey>

The data flow:

	engine ──► Source ──► consumer.Adapter ──► transform ──► hub ──┬─► PublisherFactory streams
	                                                              ├─► Gateway ──► Sender
	                                                              └─► stomprelay.Bridge

# Basic Usage

Build a pipeline from settings, start it, and hand it batches:

	settings := config.DefaultSettings()
	p, err := eventgateway.New(settings,
	    eventgateway.WithLogger(logger),
	    eventgateway.WithSender("nats", natsClient.Sender()),
	)
	if err != nil {
	    return err
	}
	if err := p.Start(ctx); err != nil {
	    return err
	}
	defer p.Stop()

	res, err := p.HandleJSON(ctx, body, "engine-events")

Subscribers open streams by destination pattern:

	stream, err := p.Publishers().Open(ctx, []string{"engineEvents.my-rb.**"})
	for doc := range stream.C() {
	    ...
	}

# Routing Keys

Every document carries the identity attributes of its events. The routing
key is rendered from them with the configured template, by default

	engineEvents.${serviceName}.${appName}.${processDefinitionKey}.${processInstanceId}.${businessKey}

so a document for service my-rb, app app, definition Simple, instance 12 and
an empty business key routes as engineEvents.my-rb.app.Simple.12._

# Failure Handling

Nothing in the pipeline is fatal. A malformed batch is rejected with
*errors.TransformError and, when a dead-letter store is configured,
quarantined. A full hub drops according to its overflow policy. A failing
sender is skipped per document unless its error is permanent, which ends
that sender's subscription alone.

# Lifecycle

New validates settings and builds every component. Start attaches gateways,
starts the hub and runs the sources. Stop ends the sources, drains the hub
within hub.shutdown_timeout and closes broker connections. A stopped
pipeline cannot be restarted.
*/
package eventgateway
