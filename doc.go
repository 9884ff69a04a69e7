// Architecture overview:
//   - Queue consumer: internal/consumer subscribes to the durable task
//     queue with prefetch 1. A single goroutine owns the AMQP channel;
//     handler completions are marshaled back to it so acks never cross
//     goroutines. A message is acknowledged only after the result has
//     been accepted by the requesting service.
//   - Task pipeline: internal/worker decodes the task document, runs the
//     analysis through internal/executor and delivers the outcome via
//     internal/deliver. Analysis failures and timeouts still produce a
//     result document so every task terminates.
//   - Isolation: internal/executor re-execs this binary's analyze
//     subcommand per task. The child reads the task on stdin and writes
//     the result on stdout; on deadline the child is killed, partial
//     output is discarded and the timeout marker result is reported.
//   - Discovery: internal/analysis runs the strategies in fixed order.
//     robots.txt and sitemap parsing feed candidate URLs through a
//     headless-Chrome screenshot (internal/screenshot) into the visual
//     classification oracle (internal/classifier); metasearch queries a
//     SearXNG instance; the crawling strategy supervises an external
//     headless crawler and harvests its flow output.
//   - Persistence & replay: raw artifacts go to the configured blob
//     store (local/memory/GCS); per-task audit rows go to Postgres via
//     internal/results and back out through the resend subcommand.
//   - Plumbing: Viper config, zap logging, Prometheus metrics exposed
//     together with health probes on the ops HTTP port.
package main
