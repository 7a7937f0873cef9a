/*
Package turn classifies the markdown files that make up a task
conversation.

A task directory holds numbered turn files (001_task.md, 002_task.md, ...)
that alternate between user and backend by convention. Backend files carry
a header comment and a "# <User>" placeholder; a user signals readiness
with a bare "<User>" line and termination with "<Stop>". Everything here is
a pure function of file contents and mtime.
*/
package turn
