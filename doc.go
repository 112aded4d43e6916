/*
flow runs pipeline steps on named goroutine pools chosen by the kind of work each step does, and tracks when
the work spawned by an event is really over.

Each Step declares a ProcessingType (light compute, blocking, heavy compute...). A Dispatcher routes every type
to a pool of its Registry, or inline on the calling goroutine, so that blocking I/O never starves CPU bound work
and the other way round. Pools are built once from their PoolSpec and shared by every pipeline:

- cpuLight is sized 2 x CPU and rejects tasks when saturated
- io is large and queues tasks
- cpuIntensive is sized to the CPU count and queues tasks

A rejected submission is retried a bounded number of times by a RetryingSubmitter, with a capped exponential
backoff and an optional recovery hook (the default one re-provisions a stopped pool). If the pool still refuses
the task, the caller gets an *OverloadError, distinct from the *StepFailure returned when the step logic fails.

A Dispatcher may also bound the number of steps in flight (MaxConcurrency). When the budget is used, the Wait
strategy makes callers wait (blocking, or by queueing a continuation with WaitAsync) while the Fail strategy
returns an *OverloadError right away.

Every event carries an EventContext. Contexts form a tree: fan-out steps (Wrap, ScatterGather) create child
contexts, and a context only becomes complete once its response is produced and all its children are complete.
A context is terminated, and its resources released, once complete and once its external completion (e.g. a
transport acknowledgment) is done:

	Ready -> ResponseProduced -> Complete -> Terminated

The response is produced once: the first of Success, SuccessEmpty or Error wins. Listeners can be registered on
each transition.

A Pipeline ties both together: it runs its steps through a dispatcher, synchronously (Process) or not (Dispatch,
Run), and signals the event context with the outcome.

As for any performance tuning, pool sizes and max concurrency should be tried and tuned against the actual load.
*/

package flow
